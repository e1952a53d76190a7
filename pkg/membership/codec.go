package membership

import (
	"encoding/hex"

	"github.com/andrussal/ephemera-go/pkg/crypto"
)

func decodePeerEntries(entries []peerFileEntry) ([]PeerInfo, error) {
	peers := make([]PeerInfo, 0, len(entries))
	for _, e := range entries {
		raw, err := hex.DecodeString(e.PublicKey)
		if err != nil {
			return nil, err
		}
		public, peerID, err := crypto.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, err
		}
		peers = append(peers, PeerInfo{
			PeerID:    peerID,
			Multiaddr: e.Multiaddr,
			PublicKey: public,
		})
	}
	return peers, nil
}

func snapshotsEqual(a, b []PeerInfo) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[crypto.PeerId]string, len(a))
	for _, p := range a {
		seen[p.PeerID] = p.Multiaddr
	}
	for _, p := range b {
		addr, ok := seen[p.PeerID]
		if !ok || addr != p.Multiaddr {
			return false
		}
	}
	return true
}
