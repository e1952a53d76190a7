package block

import (
	"testing"
	"time"

	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/broadcast"
	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/storage"
)

func testKeypair(t *testing.T) *crypto.Keypair {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func testDelivery(t *testing.T, kp *crypto.Keypair, customID string) broadcast.Delivery {
	t.Helper()
	msg := ephtypes.NewPrePrepare(kp.PeerId(), customID, []byte("payload-"+customID))
	cert := ephtypes.NewCertificate()
	cert.Add(kp.PeerId(), kp.Sign(msg.Digest().Bytes()))
	return broadcast.Delivery{Message: msg, Certificate: cert}
}

func TestManager_TickBuildsAndPersistsBlock(t *testing.T) {
	kp := testKeypair(t)
	store := storage.NewMemoryStorage()
	deliveries := make(chan broadcast.Delivery, 4)
	mgr := New(kp, application.DefaultApplication{}, store, logging.NewDefaultLogger("test"), deliveries, Config{})

	deliveries <- testDelivery(t, kp, "m1")
	deliveries <- testDelivery(t, kp, "m2")

	mgr.tick()

	last, ok, err := store.GetLastBlock()
	if err != nil {
		t.Fatalf("get last block: %v", err)
	}
	if !ok {
		t.Fatal("expected a block to have been persisted")
	}
	if last.Header.Height != 1 {
		t.Fatalf("expected genesis block height 1, got %d", last.Header.Height)
	}
	if last.Header.PreviousHash != ephtypes.ZeroHash {
		t.Fatalf("expected genesis previous hash to be zero")
	}
	if len(last.Messages) != 2 {
		t.Fatalf("expected 2 messages in block, got %d", len(last.Messages))
	}
	if last.Header.Hash == ephtypes.ZeroHash {
		t.Fatal("expected block to be sealed with a non-zero hash")
	}

	select {
	case sealed := <-mgr.Outbound():
		if sealed.Block.Header.Hash != last.Header.Hash {
			t.Fatal("outbound block does not match persisted block")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound sealed block")
	}
}

func TestManager_SkipsEmptyTickByDefault(t *testing.T) {
	kp := testKeypair(t)
	store := storage.NewMemoryStorage()
	deliveries := make(chan broadcast.Delivery)
	mgr := New(kp, application.DefaultApplication{}, store, logging.NewDefaultLogger("test"), deliveries, Config{})

	mgr.tick()

	if _, ok, _ := store.GetLastBlock(); ok {
		t.Fatal("expected no block to be persisted for an empty tick")
	}
}

func TestManager_EmptyBlocksAllowed(t *testing.T) {
	kp := testKeypair(t)
	store := storage.NewMemoryStorage()
	deliveries := make(chan broadcast.Delivery)
	mgr := New(kp, application.DefaultApplication{}, store, logging.NewDefaultLogger("test"), deliveries, Config{EmptyBlocksAllowed: true})

	mgr.tick()

	last, ok, err := store.GetLastBlock()
	if err != nil || !ok {
		t.Fatalf("expected an empty block to be persisted, ok=%v err=%v", ok, err)
	}
	if len(last.Messages) != 0 {
		t.Fatalf("expected empty block, got %d messages", len(last.Messages))
	}
}

type rejectingApplication struct{ application.DefaultApplication }

func (rejectingApplication) CheckBlock(ephtypes.Block) application.CheckBlockResult {
	return application.Reject
}

func TestManager_RejectedBlockIsDiscardedNotPersisted(t *testing.T) {
	kp := testKeypair(t)
	store := storage.NewMemoryStorage()
	deliveries := make(chan broadcast.Delivery, 1)
	mgr := New(kp, rejectingApplication{}, store, logging.NewDefaultLogger("test"), deliveries, Config{})

	deliveries <- testDelivery(t, kp, "m1")
	mgr.tick()

	if _, ok, _ := store.GetLastBlock(); ok {
		t.Fatal("expected rejected block to not be persisted")
	}
	if len(mgr.pending) != 0 {
		t.Fatalf("expected rejected batch to be discarded from pending, got %d remaining", len(mgr.pending))
	}
}

func TestManager_AcceptPeerBlockDetectsChainFork(t *testing.T) {
	kp := testKeypair(t)
	store := storage.NewMemoryStorage()
	deliveries := make(chan broadcast.Delivery)
	mgr := New(kp, application.DefaultApplication{}, store, logging.NewDefaultLogger("test"), deliveries, Config{})

	genesis := ephtypes.NewBlock(1, ephtypes.ZeroHash, kp.PeerId(), nil)
	genesis.Seal()
	cert := ephtypes.NewCertificate()
	cert.Add(kp.PeerId(), kp.Sign(genesis.Header.Hash.Bytes()))
	if err := store.StoreBlock(genesis, map[ephtypes.Digest]*ephtypes.Certificate{genesis.Header.Hash: cert}); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}

	forked := ephtypes.NewBlock(2, ephtypes.Digest{0xff}, kp.PeerId(), nil)
	forked.Seal()
	forkedCert := ephtypes.NewCertificate()
	forkedCert.Add(kp.PeerId(), kp.Sign(forked.Header.Hash.Bytes()))

	if err := mgr.AcceptPeerBlock(forked, forkedCert); err != ErrChainForked {
		t.Fatalf("expected ErrChainForked, got %v", err)
	}

	last, _, _ := store.GetLastBlock()
	if last.Header.Hash != genesis.Header.Hash {
		t.Fatal("expected local head to remain unchanged after a forked peer block")
	}
}

func TestManager_AcceptPeerBlockChainsOntoHead(t *testing.T) {
	kp := testKeypair(t)
	store := storage.NewMemoryStorage()
	deliveries := make(chan broadcast.Delivery)
	mgr := New(kp, application.DefaultApplication{}, store, logging.NewDefaultLogger("test"), deliveries, Config{})

	genesis := ephtypes.NewBlock(1, ephtypes.ZeroHash, kp.PeerId(), nil)
	genesis.Seal()
	genCert := ephtypes.NewCertificate()
	genCert.Add(kp.PeerId(), kp.Sign(genesis.Header.Hash.Bytes()))
	if err := store.StoreBlock(genesis, map[ephtypes.Digest]*ephtypes.Certificate{genesis.Header.Hash: genCert}); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}

	next := ephtypes.NewBlock(2, genesis.Header.Hash, kp.PeerId(), nil)
	next.Seal()
	nextCert := ephtypes.NewCertificate()
	nextCert.Add(kp.PeerId(), kp.Sign(next.Header.Hash.Bytes()))

	if err := mgr.AcceptPeerBlock(next, nextCert); err != nil {
		t.Fatalf("expected peer block to chain cleanly, got %v", err)
	}

	last, _, _ := store.GetLastBlock()
	if last.Header.Hash != next.Header.Hash {
		t.Fatal("expected local head to advance to the peer block")
	}
}
