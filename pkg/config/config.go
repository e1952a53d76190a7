// Package config holds the on-disk node configuration. The file format
// itself is a plain JSON document (stdlib encoding/json): the config keys
// are an explicit external collaborator per the wire-format surface, not a
// place to reach for a parsing library.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidConfig is returned when a config file is malformed or missing a
// required key; fatal at startup per the error-handling design.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// NodeConfig is the node.* section.
type NodeConfig struct {
	IP         string `json:"ip"`
	PrivateKey string `json:"private_key"`
}

// Libp2pConfig is the libp2p.* section: the broadcast sub-protocol's
// listening port.
type Libp2pConfig struct {
	Port int `json:"port"`
}

// HTTPConfig is the http.* section.
type HTTPConfig struct {
	Port int `json:"port"`
}

// WebsocketConfig is the websocket.* section.
type WebsocketConfig struct {
	Port int `json:"port"`
}

// BlockConfig is the block.* section.
type BlockConfig struct {
	CreationIntervalMs int  `json:"creation_interval_ms"`
	MaxMessages        int  `json:"max_messages"`
	EmptyBlocksAllowed bool `json:"empty_blocks_allowed"`
}

// StorageConfig is the storage.* section: everything the chosen backend
// needs, keyed loosely since the backend is pluggable.
type StorageConfig struct {
	Engine string `json:"engine"`
	Path   string `json:"path"`
}

// Config is the full on-disk node configuration.
type Config struct {
	Node      NodeConfig      `json:"node"`
	Libp2p    Libp2pConfig    `json:"libp2p"`
	HTTP      HTTPConfig      `json:"http"`
	Websocket WebsocketConfig `json:"websocket"`
	Block     BlockConfig     `json:"block"`
	Storage   StorageConfig   `json:"storage"`
}

// Load reads and parses a Config from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the minimal set of keys the orchestrator cannot start
// without.
func (c Config) Validate() error {
	if c.Node.IP == "" || c.Node.PrivateKey == "" {
		return ErrInvalidConfig
	}
	if c.Libp2p.Port == 0 || c.HTTP.Port == 0 || c.Websocket.Port == 0 {
		return ErrInvalidConfig
	}
	return nil
}
