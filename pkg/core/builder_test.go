package core

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/config"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
	"github.com/andrussal/ephemera-go/pkg/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	return config.Config{
		Node:      config.NodeConfig{IP: "127.0.0.1", PrivateKey: hex.EncodeToString(seed)},
		Libp2p:    config.Libp2pConfig{Port: 20000},
		HTTP:      config.HTTPConfig{Port: 20010},
		Websocket: config.WebsocketConfig{Port: 20020},
		Block:     config.BlockConfig{CreationIntervalMs: 1000, MaxMessages: 500},
		Storage:   config.StorageConfig{Engine: "memory"},
	}
}

func TestBuilder_StagedBuildProducesWiredNode(t *testing.T) {
	cfg := testConfig(t)
	log := logging.NewDefaultLogger("test")

	builder, err := NewBuilder(cfg, log)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	store := storage.NewMemoryStorage()
	provider := membership.NewStaticProviderFromPeers(nil)
	defer provider.Close()

	node, err := builder.
		WithStorage(store).
		WithMembership(provider).
		WithApplication(application.DefaultApplication{}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if node.NodeInfo.HTTPAddress() != "127.0.0.1:20010" {
		t.Fatalf("unexpected http address: %s", node.NodeInfo.HTTPAddress())
	}
	if node.NodeInfo.DiscoveryAddress() == node.NodeInfo.GossipAddress() {
		t.Fatal("expected discovery and gossip to bind distinct addresses")
	}

	// Shutdown before Run must be safe: no listeners were ever opened and no
	// workers were spawned.
	node.Shutdown()
}

func TestBuilder_WithApplicationDefaultsWhenNil(t *testing.T) {
	cfg := testConfig(t)
	log := logging.NewDefaultLogger("test")

	builder, err := NewBuilder(cfg, log)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	store := storage.NewMemoryStorage()
	provider := membership.NewStaticProviderFromPeers(nil)
	defer provider.Close()

	stage := builder.WithStorage(store).WithMembership(provider).WithApplication(nil)
	if stage.app == nil {
		t.Fatal("expected WithApplication(nil) to default to DefaultApplication")
	}
}

func TestBuilder_WithSignatureVerificationWiresKeys(t *testing.T) {
	cfg := testConfig(t)
	log := logging.NewDefaultLogger("test")

	builder, err := NewBuilder(cfg, log)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	store := storage.NewMemoryStorage()
	provider := membership.NewStaticProviderFromPeers(nil)
	defer provider.Close()

	stage := builder.WithStorage(store).WithMembership(provider).WithSignatureVerification()
	app, ok := stage.app.(application.SignatureVerificationApplication)
	if !ok {
		t.Fatalf("expected a signature-verification application, got %T", stage.app)
	}
	if app.Keys == nil {
		t.Fatal("expected the key directory to be wired")
	}
}

func TestNewNodeInfo_RejectsMalformedSeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.PrivateKey = "not-hex"
	if _, err := NewNodeInfo(cfg); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}
