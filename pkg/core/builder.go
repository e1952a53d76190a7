package core

import (
	"encoding/hex"
	"fmt"
	"net"

	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/config"
	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
	"github.com/andrussal/ephemera-go/pkg/storage"
)

// NodeInfo is the immutable, shared-by-reference identity and addressing
// information computed once at startup (ip, ports, peer id, keypair,
// initial config).
type NodeInfo struct {
	IP            string
	Libp2pPort    int
	HTTPPort      int
	WSPort        int
	PeerID        crypto.PeerId
	Keypair       *crypto.Keypair
	InitialConfig config.Config
}

// NewNodeInfo derives a NodeInfo from a loaded configuration, reconstructing
// the local keypair from its hex-encoded seed.
func NewNodeInfo(cfg config.Config) (NodeInfo, error) {
	seed, err := hex.DecodeString(cfg.Node.PrivateKey)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("core: decode private key: %w", err)
	}
	keypair, err := crypto.KeypairFromSeed(seed)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("core: build keypair: %w", err)
	}
	return NodeInfo{
		IP:            cfg.Node.IP,
		Libp2pPort:    cfg.Libp2p.Port,
		HTTPPort:      cfg.HTTP.Port,
		WSPort:        cfg.Websocket.Port,
		PeerID:        keypair.PeerId(),
		Keypair:       keypair,
		InitialConfig: cfg,
	}, nil
}

// ProtocolAddress is the address relt's broadcast transport is configured
// against for the /ephemera/broadcast/1.0.0 sub-protocol.
func (n NodeInfo) ProtocolAddress() string { return net.JoinHostPort(n.IP, fmt.Sprint(n.Libp2pPort)) }

// DiscoveryAddress is the plain-TCP peer-discovery sub-protocol's listening
// address, one port above the broadcast port.
func (n NodeInfo) DiscoveryAddress() string {
	return net.JoinHostPort(n.IP, fmt.Sprint(n.Libp2pPort+1))
}

// GossipAddress is the plain-TCP member-list gossip sub-protocol's
// listening address, two ports above the broadcast port.
func (n NodeInfo) GossipAddress() string {
	return net.JoinHostPort(n.IP, fmt.Sprint(n.Libp2pPort+2))
}

// HTTPAddress is the address the REST API binds.
func (n NodeInfo) HTTPAddress() string { return net.JoinHostPort(n.IP, fmt.Sprint(n.HTTPPort)) }

// WSAddress is the address the WebSocket bridge binds.
func (n NodeInfo) WSAddress() string { return net.JoinHostPort(n.IP, fmt.Sprint(n.WSPort)) }

// Builder is the first stage of the staged construction: it only knows the
// node's identity. Each With* stage returns the next stage's type, so a
// caller cannot reach Build() without having supplied every dependency the
// orchestrator needs; there is no runtime "was this set" check because the
// type system enforces the order.
type Builder struct {
	nodeInfo NodeInfo
	log      logging.Logger
}

// NewBuilder creates pure data: no resource allocation, no goroutines.
func NewBuilder(cfg config.Config, log logging.Logger) (*Builder, error) {
	info, err := NewNodeInfo(cfg)
	if err != nil {
		return nil, err
	}
	return &Builder{nodeInfo: info, log: log}, nil
}

// WithStorage advances to the stage requiring a membership provider.
func (b *Builder) WithStorage(store storage.Storage) *StorageStage {
	return &StorageStage{nodeInfo: b.nodeInfo, log: b.log, store: store}
}

// StorageStage has identity and storage; it still needs membership.
type StorageStage struct {
	nodeInfo NodeInfo
	log      logging.Logger
	store    storage.Storage
}

// WithMembership advances to the stage requiring an application hook.
func (s *StorageStage) WithMembership(provider membership.Provider) *MembershipStage {
	return &MembershipStage{nodeInfo: s.nodeInfo, log: s.log, store: s.store, provider: provider}
}

// MembershipStage has identity, storage and membership; it still needs an
// application hook.
type MembershipStage struct {
	nodeInfo NodeInfo
	log      logging.Logger
	store    storage.Storage
	provider membership.Provider
}

// WithApplication advances to the final, buildable stage. app may be nil, in
// which case DefaultApplication (accept-all) is used.
func (m *MembershipStage) WithApplication(app application.Application) *ApplicationStage {
	if app == nil {
		app = application.DefaultApplication{}
	}
	return &ApplicationStage{nodeInfo: m.nodeInfo, log: m.log, store: m.store, provider: m.provider, app: app}
}

// WithSignatureVerification advances with the application hook that admits
// messages only from peers the membership provider recognizes and verifies
// every block certificate against their known keys.
func (m *MembershipStage) WithSignatureVerification() *ApplicationStage {
	self := membership.PeerInfo{
		PeerID:    m.nodeInfo.PeerID,
		Multiaddr: m.nodeInfo.ProtocolAddress(),
		PublicKey: m.nodeInfo.Keypair.PublicKey(),
	}
	app := application.SignatureVerificationApplication{Keys: membership.NewKeyDirectory(m.provider, self)}
	return m.WithApplication(app)
}

// ApplicationStage has every dependency the orchestrator needs; Build is the
// only stage that constructs the node's components (broadcaster, block
// manager, swarm, API handlers, shutdown manager). Listeners and HTTP
// servers are opened later, by Ephemera.Run.
type ApplicationStage struct {
	nodeInfo NodeInfo
	log      logging.Logger
	store    storage.Storage
	provider membership.Provider
	app      application.Application
}

// Build assembles the fully wired orchestrator. It does not start any
// worker; call Ephemera.Run to do that.
func (s *ApplicationStage) Build() (*Ephemera, error) {
	return newEphemera(s.nodeInfo, s.log, s.store, s.provider, s.app)
}
