package network

import (
	"bufio"
	"net"
	"time"

	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
)

// MemberList is the wire payload of the /ephemera/members/1.0.0
// sub-protocol: a flat JSON list of every peer the sender currently knows
// about, for gossip reconciliation against the receiver's candidate set.
type MemberList struct {
	Peers []DiscoveredPeer `json:"peers"`
}

// MergeFunc is called by GossipServer with every member list it receives,
// so the embedding node can fold it into its own candidate set subject to
// membership-provider authorization.
type MergeFunc func(from net.Addr, peers []DiscoveredPeer)

// GossipServer accepts one MemberList push per connection and hands it to
// Merge.
type GossipServer struct {
	log      logging.Logger
	maxFrame int
	Merge    MergeFunc
}

// NewGossipServer builds a server invoking merge for every received list.
func NewGossipServer(log logging.Logger, merge MergeFunc) *GossipServer {
	return &GossipServer{log: log, maxFrame: crypto.DefaultMaxFrameSize, Merge: merge}
}

// ServeConn reads one MemberList frame from conn and closes the connection.
func (g *GossipServer) ServeConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	var list MemberList
	if err := ReadJSONFrame(reader, g.maxFrame, &list); err != nil {
		g.log.Warnf("network: members: read gossip frame: %v", err)
		return
	}
	if g.Merge != nil {
		g.Merge(conn.RemoteAddr(), list.Peers)
	}
}

// Serve accepts connections on listener until it is closed.
func (g *GossipServer) Serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go g.ServeConn(conn)
	}
}

// PushMembers dials addr and pushes the local known peer set as one
// MemberList frame.
func PushMembers(addr string, self membership.PeerInfo, known []membership.PeerInfo, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	all := append(append([]membership.PeerInfo{}, known...), self)
	return WriteJSONFrame(conn, MemberList{Peers: toDiscoveredPeers(all)})
}
