package network

import (
	"bufio"
	"encoding/hex"
	"net"
	"time"

	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
)

// SyncRequest is the peer-discovery sub-protocol's request frame: a bare
// Sync marker with no payload.
type SyncRequest struct {
	Sync *struct{} `json:"Sync"`
}

// SyncResponse carries the responder's known peer set back to the
// requester, encoded the same way as membership's peers file entries so
// the wire format and the static config format stay in sync.
type SyncResponse struct {
	Peers []DiscoveredPeer `json:"peers"`
}

// DiscoveredPeer is one peer entry as exchanged over the wire.
type DiscoveredPeer struct {
	PeerID    string `json:"peer_id"`
	Multiaddr string `json:"multiaddr"`
	PublicKey string `json:"public_key_hex"`
}

func toDiscoveredPeers(peers []membership.PeerInfo) []DiscoveredPeer {
	out := make([]DiscoveredPeer, len(peers))
	for i, p := range peers {
		out[i] = DiscoveredPeer{
			PeerID:    p.PeerID.String(),
			Multiaddr: p.Multiaddr,
			PublicKey: hex.EncodeToString(p.PublicKey),
		}
	}
	return out
}

// DiscoveryServer answers Sync requests on the
// /ephemera/peer-discovery/1.0.0 sub-protocol with the current membership
// snapshot.
type DiscoveryServer struct {
	provider membership.Provider
	self     membership.PeerInfo
	log      logging.Logger
	maxFrame int
}

// NewDiscoveryServer builds a server answering from provider's current
// snapshot plus the local node.
func NewDiscoveryServer(provider membership.Provider, self membership.PeerInfo, log logging.Logger) *DiscoveryServer {
	return &DiscoveryServer{provider: provider, self: self, log: log, maxFrame: crypto.DefaultMaxFrameSize}
}

// ServeConn handles one inbound discovery connection: read one Sync
// request, reply with the known peer set, then close.
func (s *DiscoveryServer) ServeConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	var req SyncRequest
	if err := ReadJSONFrame(reader, s.maxFrame, &req); err != nil {
		s.log.Warnf("network: discovery: read sync request: %v", err)
		return
	}

	peers := append(append([]membership.PeerInfo{}, s.provider.Current()...), s.self)
	resp := SyncResponse{Peers: toDiscoveredPeers(peers)}
	if err := WriteJSONFrame(conn, resp); err != nil {
		s.log.Warnf("network: discovery: write sync response: %v", err)
	}
}

// Serve accepts connections on listener until it is closed.
func (s *DiscoveryServer) Serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go s.ServeConn(conn)
	}
}

// Sync dials addr, issues a Sync request and returns the peer list the
// remote responded with.
func Sync(addr string, timeout time.Duration, maxFrame int) ([]DiscoveredPeer, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := WriteJSONFrame(conn, SyncRequest{Sync: nil}); err != nil {
		return nil, err
	}
	var resp SyncResponse
	if err := ReadJSONFrame(bufio.NewReader(conn), maxFrame, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}
