// Package broadcast implements the Bracha-style reliable broadcast state
// machine: per-message progression through Pre-Prepare, Prepare and Commit
// with signature collection and quorum detection.
package broadcast

import (
	"time"

	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
	"github.com/andrussal/ephemera-go/pkg/topology"
)

// Phase is a broadcast instance's position in the Pre-Prepare -> Prepare ->
// Commit -> Delivered progression. Delivered is terminal.
type Phase int

const (
	PrePrepared Phase = iota
	Prepared
	Committed
	Delivered
)

func (p Phase) String() string {
	switch p {
	case PrePrepared:
		return "PrePrepared"
	case Prepared:
		return "Prepared"
	case Committed:
		return "Committed"
	case Delivered:
		return "Delivered"
	default:
		return "Unknown"
	}
}

// Instance is the state bag for one in-flight message's progression,
// keyed by its message digest.
type Instance struct {
	Digest     ephtypes.Digest
	Phase      Phase
	Originator crypto.PeerId
	PrePrepare ephtypes.Message
	Topology   topology.Snapshot
	CreatedAt  time.Time

	prepareVoters map[crypto.PeerId]struct{}
	commitCert    *ephtypes.Certificate
}

func newInstance(digest ephtypes.Digest, prePrepare ephtypes.Message, snap topology.Snapshot, now time.Time) *Instance {
	return &Instance{
		Digest:        digest,
		Phase:         PrePrepared,
		Originator:    prePrepare.NodeID,
		PrePrepare:    prePrepare,
		Topology:      snap,
		CreatedAt:     now,
		prepareVoters: make(map[crypto.PeerId]struct{}),
		commitCert:    ephtypes.NewCertificate(),
	}
}

// PrepareVotes is the number of distinct peers who have sent Prepare for
// this instance so far.
func (i *Instance) PrepareVotes() int {
	return len(i.prepareVoters)
}

// CommitCertificate exposes the certificate accumulated so far (a growing
// set until Delivered, frozen once delivery happens).
func (i *Instance) CommitCertificate() *ephtypes.Certificate {
	return i.commitCert
}

// Expired reports whether the instance has outlived its TTL without
// reaching Delivered.
func (i *Instance) Expired(now time.Time, ttl time.Duration) bool {
	return i.Phase != Delivered && now.Sub(i.CreatedAt) > ttl
}
