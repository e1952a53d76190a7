package topology

import (
	"testing"

	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/membership"
)

func TestQuorum_BoundaryTable(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 3, 4: 3, 7: 5, 10: 7}
	for n, want := range cases {
		if got := Quorum(n); got != want {
			t.Errorf("Quorum(%d) = %d, want %d", n, got, want)
		}
	}
}

func peers(t *testing.T, n int) []membership.PeerInfo {
	t.Helper()
	out := make([]membership.PeerInfo, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		out[i] = membership.PeerInfo{PeerID: kp.PeerId()}
	}
	return out
}

func TestSnapshot_FreezesQuorumAndMembership(t *testing.T) {
	ps := peers(t, 3)
	snap := NewSnapshot(ps)
	if snap.Size() != 3 || snap.Quorum() != 3 {
		t.Fatalf("expected size 3 quorum 3, got size=%d quorum=%d", snap.Size(), snap.Quorum())
	}
	for _, p := range ps {
		if !snap.Contains(p.PeerID) {
			t.Fatalf("expected snapshot to contain %s", p.PeerID)
		}
	}

	outsider := peers(t, 1)[0]
	if snap.Contains(outsider.PeerID) {
		t.Fatalf("expected snapshot to reject a peer outside the frozen set")
	}
}

func TestTopology_SnapshotIncludesSelf(t *testing.T) {
	selfKp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	self := membership.PeerInfo{PeerID: selfKp.PeerId()}
	provider := membership.NewStaticProviderFromPeers(peers(t, 2))
	defer provider.Close()

	top := NewTopology(provider, self)
	snap := top.Snapshot()
	if snap.Size() != 3 {
		t.Fatalf("expected self to be added when absent, got size %d", snap.Size())
	}
	if !snap.Contains(self.PeerID) {
		t.Fatalf("expected snapshot to contain self")
	}
}
