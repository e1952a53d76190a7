// Package topology computes the frozen peer set and quorum threshold used
// by a single broadcast instance.
package topology

import (
	"sort"

	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/membership"
)

// Snapshot is an immutable set of peer ids plus the precomputed quorum
// threshold for that exact set. It is taken once, at broadcast-instance
// creation, and never recomputed for that instance's lifetime so that
// quorum arithmetic cannot shift mid-round even if membership changes.
type Snapshot struct {
	peers  []crypto.PeerId
	lookup map[crypto.PeerId]struct{}
	quorum int
}

// Quorum returns the minimum signature count needed to advance a phase for
// a topology of size n: floor(2n/3) + 1 (Go integer division truncates
// towards zero, which is floor for non-negative n).
func Quorum(n int) int {
	if n == 0 {
		return 0
	}
	return 2*n/3 + 1
}

// NewSnapshot builds a frozen snapshot from a membership snapshot.
func NewSnapshot(peers []membership.PeerInfo) Snapshot {
	ids := make([]crypto.PeerId, len(peers))
	lookup := make(map[crypto.PeerId]struct{}, len(peers))
	for i, p := range peers {
		ids[i] = p.PeerID
		lookup[p.PeerID] = struct{}{}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return Snapshot{
		peers:  ids,
		lookup: lookup,
		quorum: Quorum(len(ids)),
	}
}

// Peers returns the frozen peer set.
func (s Snapshot) Peers() []crypto.PeerId {
	out := make([]crypto.PeerId, len(s.peers))
	copy(out, s.peers)
	return out
}

// Size is the number of peers in the snapshot.
func (s Snapshot) Size() int { return len(s.peers) }

// Quorum is the minimum signature count needed to advance a phase for an
// instance created against this snapshot.
func (s Snapshot) Quorum() int { return s.quorum }

// Contains reports whether peer is part of this frozen snapshot. A peer not
// in the snapshot contributes no weight towards quorum.
func (s Snapshot) Contains(peer crypto.PeerId) bool {
	_, ok := s.lookup[peer]
	return ok
}

// Topology produces the frozen Snapshot used when starting a new broadcast
// instance, reading the current membership at that moment.
type Topology struct {
	provider membership.Provider
	self     membership.PeerInfo
}

// NewTopology builds a Topology reading peers from provider. self is always
// included in every snapshot even if the provider omits the local node.
func NewTopology(provider membership.Provider, self membership.PeerInfo) *Topology {
	return &Topology{provider: provider, self: self}
}

// Snapshot takes a frozen view of the current membership, for a new
// broadcast instance being created right now.
func (t *Topology) Snapshot() Snapshot {
	peers := t.provider.Current()
	found := false
	for _, p := range peers {
		if p.PeerID == t.self.PeerID {
			found = true
			break
		}
	}
	if !found {
		peers = append(append([]membership.PeerInfo{}, peers...), t.self)
	}
	return NewSnapshot(peers)
}
