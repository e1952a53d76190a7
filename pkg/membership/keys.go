package membership

import (
	"github.com/andrussal/ephemera-go/pkg/crypto"
)

// KeyDirectory resolves peer ids to public keys from the provider's
// current snapshot, always including the local node so its own signatures
// verify even when the provider omits it.
type KeyDirectory struct {
	provider Provider
	self     PeerInfo
}

// NewKeyDirectory builds a directory over provider plus the local node.
func NewKeyDirectory(provider Provider, self PeerInfo) *KeyDirectory {
	return &KeyDirectory{provider: provider, self: self}
}

// PublicKeyFor returns the known public key for peer, if any.
func (d *KeyDirectory) PublicKeyFor(peer crypto.PeerId) ([]byte, bool) {
	if peer == d.self.PeerID {
		return d.self.PublicKey, true
	}
	for _, p := range d.provider.Current() {
		if p.PeerID == peer {
			return p.PublicKey, true
		}
	}
	return nil, false
}
