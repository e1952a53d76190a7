package config

import (
	"path/filepath"
	"testing"
)

func validConfig() Config {
	return Config{
		Node:      NodeConfig{IP: "127.0.0.1", PrivateKey: "deadbeef"},
		Libp2p:    Libp2pConfig{Port: 9000},
		HTTP:      HTTPConfig{Port: 9001},
		Websocket: WebsocketConfig{Port: 9002},
		Block:     BlockConfig{CreationIntervalMs: 1000, MaxMessages: 500},
		Storage:   StorageConfig{Engine: "memory"},
	}
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := validConfig()
	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestConfig_ValidateRejectsMissingKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Node.PrivateKey = ""
	if err := cfg.Validate(); err != ErrInvalidConfig {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestConfig_LoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error loading a nonexistent file")
	}
}
