package broadcast

import (
	"sync"
	"time"

	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/topology"
)

// DefaultTTL is how long a pending instance is kept before being evicted.
const DefaultTTL = 60 * time.Second

// DefaultBlacklistCooldown is how long a digest stays blacklisted after
// eviction or rejection, to prevent thrash.
const DefaultBlacklistCooldown = 5 * time.Second

// DefaultBufferCap bounds the number of Prepare/Commit events buffered per
// digest ahead of the corresponding Pre-Prepare, counted across all peers;
// the oldest event is dropped on overflow. There is no separate per-peer
// limit.
const DefaultBufferCap = 64

type bufferedEventKind int

const (
	bufferedPrepare bufferedEventKind = iota
	bufferedCommit
)

type bufferedEvent struct {
	kind      bufferedEventKind
	fromPeer  crypto.PeerId
	signature []byte
}

// OutboundKind tags what kind of phase message the Broadcaster wants sent
// to the rest of the topology.
type OutboundKind int

const (
	OutboundPrePrepare OutboundKind = iota
	OutboundPrepare
	OutboundCommit
)

// OutboundMessage is an instruction for the network layer: broadcast this
// phase message, over this instance's frozen topology, to every peer. For
// OutboundPrePrepare, Signature is the originator's envelope signature
// over the message's canonical signing payload; for OutboundCommit it is
// the commit attestation over the digest.
type OutboundMessage struct {
	Kind      OutboundKind
	Digest    ephtypes.Digest
	Message   ephtypes.Message // only set for OutboundPrePrepare
	Signature []byte           // set for OutboundPrePrepare and OutboundCommit
	Topology  topology.Snapshot
}

// Delivery is a (message, certificate) pair handed off to the block
// manager once an instance reaches Delivered.
type Delivery struct {
	Message     ephtypes.Message
	Certificate *ephtypes.Certificate
}

// Broadcaster runs the reliable broadcast state machine for every digest
// the local node has seen, serially per instance, with no ordering
// guarantee across distinct instances.
type Broadcaster struct {
	self    crypto.PeerId
	keypair *crypto.Keypair
	app     application.Application
	topo    *topology.Topology
	log     logging.Logger

	ttl       time.Duration
	cooldown  time.Duration
	bufferCap int

	mutex     sync.Mutex
	instances map[ephtypes.Digest]*Instance
	buffers   map[ephtypes.Digest][]bufferedEvent
	blacklist map[ephtypes.Digest]time.Time

	outbound   chan OutboundMessage
	deliveries chan Delivery
}

// Config tunes the Broadcaster's timing parameters; zero values fall back
// to the defaults above.
type Config struct {
	TTL               time.Duration
	BlacklistCooldown time.Duration
	BufferCap         int
}

// New builds a Broadcaster for the local node identified by keypair.
func New(keypair *crypto.Keypair, app application.Application, topo *topology.Topology, log logging.Logger, cfg Config) *Broadcaster {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.BlacklistCooldown <= 0 {
		cfg.BlacklistCooldown = DefaultBlacklistCooldown
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = DefaultBufferCap
	}
	return &Broadcaster{
		self:       keypair.PeerId(),
		keypair:    keypair,
		app:        app,
		topo:       topo,
		log:        log,
		ttl:        cfg.TTL,
		cooldown:   cfg.BlacklistCooldown,
		bufferCap:  cfg.BufferCap,
		instances:  make(map[ephtypes.Digest]*Instance),
		buffers:    make(map[ephtypes.Digest][]bufferedEvent),
		blacklist:  make(map[ephtypes.Digest]time.Time),
		outbound:   make(chan OutboundMessage, 256),
		deliveries: make(chan Delivery, 256),
	}
}

// Outbound is the stream of phase messages the network layer must
// broadcast.
func (b *Broadcaster) Outbound() <-chan OutboundMessage { return b.outbound }

// Deliveries is the stream of (message, certificate) pairs for the block
// manager to drain.
func (b *Broadcaster) Deliveries() <-chan Delivery { return b.deliveries }

func (b *Broadcaster) isBlacklisted(digest ephtypes.Digest, now time.Time) bool {
	until, ok := b.blacklist[digest]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(b.blacklist, digest)
		return false
	}
	return true
}

// Originate starts a new broadcast instance for a locally-submitted
// payload, acting as if the node received a Pre-Prepare from itself, and
// additionally queues that Pre-Prepare for broadcast to the rest of the
// topology. A Pre-Prepare arriving from the network is never rebroadcast.
func (b *Broadcaster) Originate(customMessageID string, payload []byte) (ephtypes.Digest, error) {
	msg := ephtypes.NewPrePrepare(b.self, customMessageID, payload)
	return msg.Digest(), b.handlePrePrepare(msg, true)
}

// HandlePrePrepare processes a Pre-Prepare arriving from the network. It is
// never rebroadcast: only the originating node announces a Pre-Prepare to
// the rest of the topology (see Originate).
func (b *Broadcaster) HandlePrePrepare(msg ephtypes.Message) error {
	return b.handlePrePrepare(msg, false)
}

// handlePrePrepare processes a Pre-Prepare for a digest the broadcaster has
// not seen before. Acceptance requires Application.CheckTx to pass; the
// originator's signature, when the message arrived over the network, must
// already have been verified by the caller (the swarm network layer) since
// Message carries no envelope signature field of its own. When originated
// is true, the Pre-Prepare itself is queued for broadcast ahead of the
// self Prepare vote it triggers.
func (b *Broadcaster) handlePrePrepare(msg ephtypes.Message, originated bool) error {
	digest := msg.Digest()

	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	if b.isBlacklisted(digest, now) {
		return nil
	}
	if _, exists := b.instances[digest]; exists {
		// Re-receipt, or equivocation under the same id: first-seen wins.
		return nil
	}
	if !b.app.CheckTx(msg) {
		b.blacklist[digest] = now.Add(b.cooldown)
		return nil
	}

	snap := b.topo.Snapshot()
	inst := newInstance(digest, msg, snap, now)
	b.instances[digest] = inst

	if originated {
		envelopeSig := b.keypair.Sign(msg.SigningPayload())
		select {
		case b.outbound <- OutboundMessage{Kind: OutboundPrePrepare, Digest: digest, Message: msg, Signature: envelopeSig, Topology: snap}:
		default:
			b.log.Warnf("broadcast: outbound queue full, dropping Pre-Prepare for %x", digest)
		}
	}

	for _, out := range reducePrePrepare(digest) {
		b.emit(inst, out)
	}
	b.flushBuffered(inst)
	return nil
}

// HandlePrepare records a Prepare vote from fromPeer for digest.
func (b *Broadcaster) HandlePrepare(fromPeer crypto.PeerId, digest ephtypes.Digest) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	inst, ok := b.instances[digest]
	if !ok {
		b.buffer(digest, bufferedEvent{kind: bufferedPrepare, fromPeer: fromPeer})
		return
	}
	if !inst.Topology.Contains(fromPeer) {
		return
	}
	for _, out := range inst.receivePrepare(fromPeer, b.keypair.Sign) {
		b.emit(inst, out)
	}
}

// HandleCommit records a Commit attestation from fromPeer for digest.
func (b *Broadcaster) HandleCommit(fromPeer crypto.PeerId, digest ephtypes.Digest, signature []byte) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	inst, ok := b.instances[digest]
	if !ok {
		b.buffer(digest, bufferedEvent{kind: bufferedCommit, fromPeer: fromPeer, signature: signature})
		return
	}
	if !inst.Topology.Contains(fromPeer) {
		return
	}
	for _, out := range inst.receiveCommit(fromPeer, signature) {
		b.emit(inst, out)
	}
}

func (b *Broadcaster) buffer(digest ephtypes.Digest, ev bufferedEvent) {
	buf := b.buffers[digest]
	if len(buf) >= b.bufferCap {
		buf = buf[1:]
	}
	b.buffers[digest] = append(buf, ev)
}

func (b *Broadcaster) flushBuffered(inst *Instance) {
	buf := b.buffers[inst.Digest]
	delete(b.buffers, inst.Digest)
	for _, ev := range buf {
		if !inst.Topology.Contains(ev.fromPeer) {
			continue
		}
		var outs []Output
		switch ev.kind {
		case bufferedPrepare:
			outs = inst.receivePrepare(ev.fromPeer, b.keypair.Sign)
		case bufferedCommit:
			outs = inst.receiveCommit(ev.fromPeer, ev.signature)
		}
		for _, out := range outs {
			b.emit(inst, out)
		}
	}
}

func (b *Broadcaster) emit(inst *Instance, out Output) {
	switch o := out.(type) {
	case SendPrepare:
		select {
		case b.outbound <- OutboundMessage{Kind: OutboundPrepare, Digest: o.Digest, Topology: inst.Topology}:
		default:
			b.log.Warnf("broadcast: outbound queue full, dropping Prepare for %x", o.Digest)
		}
		// The local node's own Prepare vote (the originator's, when this node
		// originated the message) counts toward the set, same as any other
		// peer's.
		for _, next := range inst.receivePrepare(b.self, b.keypair.Sign) {
			b.emit(inst, next)
		}
	case SendCommit:
		select {
		case b.outbound <- OutboundMessage{Kind: OutboundCommit, Digest: o.Digest, Signature: o.Signature, Topology: inst.Topology}:
		default:
			b.log.Warnf("broadcast: outbound queue full, dropping Commit for %x", o.Digest)
		}
		for _, next := range inst.receiveCommit(b.self, o.Signature) {
			b.emit(inst, next)
		}
	case Deliver:
		select {
		case b.deliveries <- Delivery{Message: o.Message, Certificate: o.Certificate}:
		default:
			b.log.Warnf("broadcast: delivery queue full, dropping delivery for %x", inst.Digest)
		}
	}
}

// EvictExpired drops every pending (non-Delivered) instance whose TTL has
// elapsed, blacklisting its digest for the cooldown window to prevent
// thrash, and garbage-collects delivered instances and exhausted buffers.
func (b *Broadcaster) EvictExpired(now time.Time) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for digest, inst := range b.instances {
		if inst.Phase == Delivered {
			delete(b.instances, digest)
			continue
		}
		if inst.Expired(now, b.ttl) {
			delete(b.instances, digest)
			delete(b.buffers, digest)
			b.blacklist[digest] = now.Add(b.cooldown)
		}
	}
}

// Phase reports the current phase of a known instance, for inspection by
// tests and the not_delivered query path.
func (b *Broadcaster) Phase(digest ephtypes.Digest) (Phase, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	inst, ok := b.instances[digest]
	if !ok {
		return 0, false
	}
	return inst.Phase, true
}
