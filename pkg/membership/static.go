package membership

import (
	"encoding/json"
	"os"
)

// peerFileEntry is the on-disk shape of one peers-file entry.
type peerFileEntry struct {
	PeerID    string `json:"peer_id"`
	Multiaddr string `json:"multiaddr"`
	PublicKey string `json:"public_key_hex"`
}

// StaticProvider loads its snapshot once from a peers file and never
// changes it again.
type StaticProvider struct {
	peers   []PeerInfo
	updates chan []PeerInfo
}

// NewStaticProvider loads peers from the JSON file at path.
func NewStaticProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []peerFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	peers, err := decodePeerEntries(entries)
	if err != nil {
		return nil, err
	}
	return &StaticProvider{peers: peers, updates: make(chan []PeerInfo)}, nil
}

// NewStaticProviderFromPeers builds a provider directly from an in-memory
// peer list, used by tests and by add-peer-style tooling.
func NewStaticProviderFromPeers(peers []PeerInfo) *StaticProvider {
	return &StaticProvider{peers: copySnapshot(peers), updates: make(chan []PeerInfo)}
}

func (s *StaticProvider) Current() []PeerInfo       { return copySnapshot(s.peers) }
func (s *StaticProvider) Updates() <-chan []PeerInfo { return s.updates }
func (s *StaticProvider) Close()                     { close(s.updates) }
