// Package membership provides the source of truth for the currently
// recognized peer set. Providers are eventually consistent: a membership
// change takes effect for broadcast instances created after the update,
// never mutating an in-flight instance's frozen topology snapshot.
package membership

import (
	"crypto/ed25519"

	"github.com/andrussal/ephemera-go/pkg/crypto"
)

// PeerInfo is one entry of a membership snapshot.
type PeerInfo struct {
	PeerID    crypto.PeerId
	Multiaddr string
	PublicKey ed25519.PublicKey
}

// Provider is the capability the network and topology layers depend on to
// enumerate the current peer set. Updates is a push channel of full
// snapshots; Current always returns the last-good one, even if the
// underlying source is currently failing to fetch.
type Provider interface {
	Current() []PeerInfo
	Updates() <-chan []PeerInfo
	Close()
}

func copySnapshot(peers []PeerInfo) []PeerInfo {
	out := make([]PeerInfo, len(peers))
	copy(out, peers)
	return out
}
