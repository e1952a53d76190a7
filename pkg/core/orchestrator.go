package core

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/andrussal/ephemera-go/pkg/api"
	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/block"
	"github.com/andrussal/ephemera-go/pkg/broadcast"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
	"github.com/andrussal/ephemera-go/pkg/network"
	"github.com/andrussal/ephemera-go/pkg/storage"
	"github.com/andrussal/ephemera-go/pkg/topology"
)

// Ephemera is the fully wired node: every component Build assembled, plus
// the listeners and shutdown manager Run allocates. Startup order is
// storage, block manager, network listener, HTTP, WebSocket, main event
// loop; see Shutdown for the order in which they are stopped.
type Ephemera struct {
	NodeInfo NodeInfo
	log      logging.Logger

	store       storage.Storage
	provider    membership.Provider
	topo        *topology.Topology
	broadcaster *broadcast.Broadcaster
	blockMgr    *block.Manager
	swarm       *network.Swarm
	discovery   *network.DiscoveryServer
	gossip      *network.GossipServer
	httpServer  *api.Server
	hub         *api.Hub

	shutdown *ShutdownManager

	discoveryListener net.Listener
	gossipListener    net.Listener
	httpListener      *http.Server
	wsListener        *http.Server
}

func newEphemera(nodeInfo NodeInfo, log logging.Logger, store storage.Storage, provider membership.Provider, app application.Application) (*Ephemera, error) {
	self := membership.PeerInfo{
		PeerID:    nodeInfo.PeerID,
		Multiaddr: nodeInfo.ProtocolAddress(),
		PublicKey: nodeInfo.Keypair.PublicKey(),
	}

	topo := topology.NewTopology(provider, self)
	broadcaster := broadcast.New(nodeInfo.Keypair, app, topo, log, broadcast.Config{})
	blockMgr := block.New(nodeInfo.Keypair, app, store, log, broadcaster.Deliveries(), block.Config{
		TickInterval:       time.Duration(nodeInfo.InitialConfig.Block.CreationIntervalMs) * time.Millisecond,
		MaxMessages:        nodeInfo.InitialConfig.Block.MaxMessages,
		EmptyBlocksAllowed: nodeInfo.InitialConfig.Block.EmptyBlocksAllowed,
	})

	swarm := network.NewSwarm(nodeInfo.PeerID.String(), "ephemera", nodeInfo.PeerID, nodeInfo.Keypair.PublicKey(), broadcaster, blockMgr, log)
	discovery := network.NewDiscoveryServer(provider, self, log)
	httpServer := api.NewServer(store, broadcaster, provider, self, log)
	hub := api.NewHub(log)

	gossip := network.NewGossipServer(log, func(from net.Addr, peers []network.DiscoveredPeer) {
		log.Debugf("core: gossip: received %d peers from %s", len(peers), from)
	})

	return &Ephemera{
		NodeInfo:    nodeInfo,
		log:         log,
		store:       store,
		provider:    provider,
		topo:        topo,
		broadcaster: broadcaster,
		blockMgr:    blockMgr,
		swarm:       swarm,
		discovery:   discovery,
		gossip:      gossip,
		httpServer:  httpServer,
		hub:         hub,
		shutdown:    NewShutdownManager(log, DefaultDrainTimeout),
	}, nil
}

// Run starts every worker task and blocks until ctx is cancelled or
// Shutdown is called, whichever comes first.
func (e *Ephemera) Run(ctx context.Context) error {
	e.log.Infof("core: starting node %s", e.NodeInfo.PeerID)

	e.shutdown.Spawn("block-manager", func(workerCtx context.Context) {
		e.blockMgr.Run(workerCtx)
	})

	e.shutdown.Spawn("broadcast-evictor", func(workerCtx context.Context) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case now := <-ticker.C:
				e.broadcaster.EvictExpired(now)
			}
		}
	})

	discoveryListener, err := net.Listen("tcp", e.NodeInfo.DiscoveryAddress())
	if err != nil {
		return err
	}
	e.discoveryListener = discoveryListener
	e.shutdown.Spawn("discovery-listener", func(workerCtx context.Context) {
		<-workerCtx.Done()
		discoveryListener.Close()
	})
	go e.discovery.Serve(discoveryListener)

	gossipListener, err := net.Listen("tcp", e.NodeInfo.GossipAddress())
	if err != nil {
		return err
	}
	e.gossipListener = gossipListener
	e.shutdown.Spawn("gossip-listener", func(workerCtx context.Context) {
		<-workerCtx.Done()
		gossipListener.Close()
	})
	go e.gossip.Serve(gossipListener)

	e.swarm.Start()

	mux := http.NewServeMux()
	mux.Handle("/", e.httpServer.Router())
	e.httpListener = &http.Server{Addr: e.NodeInfo.HTTPAddress(), Handler: mux}
	e.shutdown.Spawn("http-server", func(workerCtx context.Context) {
		go func() {
			<-workerCtx.Done()
			e.httpListener.Shutdown(context.Background())
		}()
		if err := e.httpListener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Errorf("core: http server stopped with error: %v", err)
		}
	})

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", e.hub.ServeWS)
	e.wsListener = &http.Server{Addr: e.NodeInfo.WSAddress(), Handler: wsMux}
	e.shutdown.Spawn("ws-server", func(workerCtx context.Context) {
		go func() {
			<-workerCtx.Done()
			e.wsListener.Shutdown(context.Background())
		}()
		if err := e.wsListener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Errorf("core: ws server stopped with error: %v", err)
		}
	})

	e.shutdown.Spawn("peer-discovery-client", func(workerCtx context.Context) {
		e.runDiscoveryClient(workerCtx)
	})

	e.shutdown.Spawn("ws-fanout", func(workerCtx context.Context) {
		for {
			select {
			case <-workerCtx.Done():
				return
			case sealed, ok := <-e.blockMgr.WSFanout():
				if !ok {
					return
				}
				e.hub.Publish(sealed)
			}
		}
	})

	select {
	case <-ctx.Done():
		e.Shutdown()
	case <-e.shutdown.Context().Done():
	}
	return nil
}

// Shutdown cancels every worker registered with the shutdown manager (block
// manager, evictor, HTTP, WebSocket, discovery client, WS fan-out) at once
// and waits for them to drain, then stops the swarm, closes the discovery
// and gossip listeners, and finally closes storage. The registered workers
// are not stopped one by one in reverse startup order. It is safe to call
// more than once.
func (e *Ephemera) Shutdown() {
	e.log.Info("core: shutdown requested")
	e.shutdown.Shutdown()
	e.swarm.Stop()
	if e.discoveryListener != nil {
		e.discoveryListener.Close()
	}
	if e.gossipListener != nil {
		e.gossipListener.Close()
	}
	if err := e.store.Close(); err != nil {
		e.log.Errorf("core: close storage: %v", err)
	}
}

// DefaultDiscoveryInterval is how often the discovery client polls each
// known peer's /ephemera/peer-discovery/1.0.0 endpoint for candidates.
// Candidates are merely logged, never auto-admitted: the membership
// provider remains the sole authority over who counts as a peer.
const DefaultDiscoveryInterval = 30 * time.Second

func (e *Ephemera) runDiscoveryClient(ctx context.Context) {
	ticker := time.NewTicker(DefaultDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncWithPeers()
		}
	}
}

func (e *Ephemera) syncWithPeers() {
	for _, peer := range e.provider.Current() {
		if peer.PeerID == e.NodeInfo.PeerID {
			continue
		}
		addr, err := discoveryAddress(peer.Multiaddr)
		if err != nil {
			e.log.Warnf("core: peer-discovery: malformed multiaddr for %s: %v", peer.PeerID, err)
			continue
		}
		candidates, err := network.Sync(addr, 5*time.Second, 1<<20)
		if err != nil {
			e.log.Warnf("core: peer-discovery: sync with %s failed: %v", peer.PeerID, err)
			continue
		}
		e.log.Debugf("core: peer-discovery: %s reported %d candidate peers", peer.PeerID, len(candidates))
	}
}

// discoveryAddress derives a peer's discovery-protocol address from its
// broadcast multiaddr: same host, port+1, mirroring NodeInfo.DiscoveryAddress.
func discoveryAddress(multiaddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(multiaddr)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}
