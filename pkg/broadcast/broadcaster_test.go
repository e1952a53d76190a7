package broadcast

import (
	"testing"
	"time"

	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
	"github.com/andrussal/ephemera-go/pkg/topology"
)

type node struct {
	kp   *crypto.Keypair
	peer membership.PeerInfo
}

func makeNodes(t *testing.T, n int) []node {
	t.Helper()
	out := make([]node, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		out[i] = node{kp: kp, peer: membership.PeerInfo{PeerID: kp.PeerId(), PublicKey: kp.PublicKey()}}
	}
	return out
}

func newTestBroadcaster(t *testing.T, self node, others []node, cfg Config) *Broadcaster {
	t.Helper()
	peers := make([]membership.PeerInfo, len(others))
	for i, o := range others {
		peers[i] = o.peer
	}
	provider := membership.NewStaticProviderFromPeers(peers)
	t.Cleanup(provider.Close)
	topo := topology.NewTopology(provider, self.peer)
	return New(self.kp, application.DefaultApplication{}, topo, logging.NewDefaultLogger("test"), cfg)
}

func drainOutbound(t *testing.T, b *Broadcaster, count int) []OutboundMessage {
	t.Helper()
	out := make([]OutboundMessage, 0, count)
	for i := 0; i < count; i++ {
		select {
		case m := <-b.Outbound():
			out = append(out, m)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for outbound message %d/%d", i+1, count)
		}
	}
	return out
}

// TestBroadcaster_QuorumDeliversMessage runs a 4-node topology (quorum 3)
// through the full Pre-Prepare/Prepare/Commit progression and checks the
// message is delivered with a certificate of at least quorum signatures.
func TestBroadcaster_QuorumDeliversMessage(t *testing.T) {
	nodes := makeNodes(t, 4)
	self, peerA, peerB, peerC := nodes[0], nodes[1], nodes[2], nodes[3]
	b := newTestBroadcaster(t, self, []node{peerA, peerB, peerC}, Config{})

	digest, err := b.Originate("msg-1", []byte("hello"))
	if err != nil {
		t.Fatalf("originate: %v", err)
	}

	// Originating broadcasts the Pre-Prepare itself, then self's own Prepare
	// vote triggered immediately via emit().
	msgs := drainOutbound(t, b, 2)
	if msgs[0].Kind != OutboundPrePrepare {
		t.Fatalf("expected first outbound to be Pre-Prepare, got %v", msgs[0].Kind)
	}
	if msgs[1].Kind != OutboundPrepare {
		t.Fatalf("expected second outbound to be Prepare, got %v", msgs[1].Kind)
	}

	b.HandlePrepare(peerA.kp.PeerId(), digest)
	b.HandlePrepare(peerB.kp.PeerId(), digest)

	commitMsgs := drainOutbound(t, b, 1)
	if commitMsgs[0].Kind != OutboundCommit {
		t.Fatalf("expected Commit after quorum prepares, got %v", commitMsgs[0].Kind)
	}

	sigA := peerA.kp.Sign(digest.Bytes())
	sigB := peerB.kp.Sign(digest.Bytes())
	b.HandleCommit(peerA.kp.PeerId(), digest, sigA)
	b.HandleCommit(peerB.kp.PeerId(), digest, sigB)

	select {
	case d := <-b.Deliveries():
		if d.Certificate.Len() < 3 {
			t.Fatalf("expected certificate with at least quorum 3 signatures, got %d", d.Certificate.Len())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	phase, ok := b.Phase(digest)
	if !ok || phase != Delivered {
		t.Fatalf("expected phase Delivered, got %v (ok=%v)", phase, ok)
	}
}

// TestBroadcaster_BuffersEarlyPrepareAndCommit checks that Prepare/Commit
// events arriving before the corresponding Pre-Prepare are buffered and
// flushed once the Pre-Prepare lands.
func TestBroadcaster_BuffersEarlyPrepareAndCommit(t *testing.T) {
	nodes := makeNodes(t, 4)
	self, peerA, peerB, peerC := nodes[0], nodes[1], nodes[2], nodes[3]
	b := newTestBroadcaster(t, self, []node{peerA, peerB, peerC}, Config{})

	msg := ephtypes.NewPrePrepare(peerA.kp.PeerId(), "msg-early", []byte("payload"))
	digest := msg.Digest()

	// Prepare votes from B and C arrive before the Pre-Prepare from A.
	b.HandlePrepare(peerB.kp.PeerId(), digest)
	b.HandlePrepare(peerC.kp.PeerId(), digest)

	if _, ok := b.Phase(digest); ok {
		t.Fatalf("expected no instance to exist before Pre-Prepare arrives")
	}

	if err := b.HandlePrePrepare(msg); err != nil {
		t.Fatalf("handle pre-prepare: %v", err)
	}

	// Pre-Prepare emits self's Prepare, and the buffered B/C votes plus
	// self's own vote reach quorum (3), so a Commit should follow.
	msgs := drainOutbound(t, b, 2)
	if msgs[0].Kind != OutboundPrepare {
		t.Fatalf("expected first outbound Prepare, got %v", msgs[0].Kind)
	}
	if msgs[1].Kind != OutboundCommit {
		t.Fatalf("expected second outbound Commit once buffered prepares flush, got %v", msgs[1].Kind)
	}
}

// TestBroadcaster_DuplicateSignatureDoesNotDoubleCount ensures a peer
// resending the same Prepare vote contributes no extra weight.
func TestBroadcaster_DuplicateSignatureDoesNotDoubleCount(t *testing.T) {
	nodes := makeNodes(t, 4)
	self, peerA, peerB, peerC := nodes[0], nodes[1], nodes[2], nodes[3]
	b := newTestBroadcaster(t, self, []node{peerA, peerB, peerC}, Config{})

	digest, err := b.Originate("msg-dup", []byte("payload"))
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	drainOutbound(t, b, 2) // Pre-Prepare then self's Prepare

	b.HandlePrepare(peerA.kp.PeerId(), digest)
	b.HandlePrepare(peerA.kp.PeerId(), digest) // duplicate, must not advance

	b.mutex.Lock()
	votes := b.instances[digest].PrepareVotes()
	b.mutex.Unlock()
	if votes != 2 {
		t.Fatalf("expected 2 distinct prepare votes (self + A), got %d", votes)
	}
}

// TestBroadcaster_EvictExpiredBlacklistsDigest checks TTL eviction removes
// a stalled instance and blacklists its digest for the cooldown window,
// rejecting a late Pre-Prepare for the same digest.
func TestBroadcaster_EvictExpiredBlacklistsDigest(t *testing.T) {
	nodes := makeNodes(t, 4)
	self, peerA, peerB, peerC := nodes[0], nodes[1], nodes[2], nodes[3]
	b := newTestBroadcaster(t, self, []node{peerA, peerB, peerC}, Config{TTL: time.Millisecond, BlacklistCooldown: time.Hour})

	digest, err := b.Originate("msg-stall", []byte("payload"))
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	drainOutbound(t, b, 2)

	time.Sleep(5 * time.Millisecond)
	b.EvictExpired(time.Now())

	if _, ok := b.Phase(digest); ok {
		t.Fatalf("expected instance to be evicted")
	}

	msg := ephtypes.NewPrePrepare(self.kp.PeerId(), "msg-stall", []byte("payload"))
	if msg.Digest() != digest {
		t.Fatalf("expected same digest from identical origin/custom id for this test setup")
	}
	if err := b.HandlePrePrepare(msg); err != nil {
		t.Fatalf("handle pre-prepare: %v", err)
	}
	if _, ok := b.Phase(digest); ok {
		t.Fatalf("expected blacklisted digest to reject new Pre-Prepare")
	}
}
