package network

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jabolina/relt/pkg/relt"
	"github.com/prometheus/common/log"

	"github.com/andrussal/ephemera-go/pkg/block"
	"github.com/andrussal/ephemera-go/pkg/broadcast"
	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
	"github.com/andrussal/ephemera-go/pkg/logging"
)

// DefaultReconnectBackoffBase and DefaultReconnectBackoffCap bound the
// exponential backoff the swarm uses to reconnect its underlying transport
// after a failure.
const (
	DefaultReconnectBackoffBase = 500 * time.Millisecond
	DefaultReconnectBackoffCap  = 30 * time.Second
)

// DefaultOutboundQueueSize is the outbound queue size a Swarm records at
// construction. The swarm keeps no per-peer outbound queue: each frame is
// handed straight to the relt transport, and a frame whose broadcast fails
// is dropped and counted in Dropped without failing the broadcast instance.
const DefaultOutboundQueueSize = 256

// wireMessage and wireBlockEnvelope are the over-the-wire JSON shapes for
// the two frame kinds riding the broadcast sub-protocol; the payloads
// inside still use ephtypes' canonical binary encodings (Message.Encode /
// Block.Encode), JSON here only wraps that canonical envelope plus the
// out-of-band fields the receiver needs to route the frame (sender,
// digest, variant).
type wirePrePrepare struct {
	Encoded   []byte `json:"encoded"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

type wirePrepare struct {
	FromPeer crypto.PeerId   `json:"from_peer"`
	Digest   ephtypes.Digest `json:"digest"`
}

type wireCommit struct {
	FromPeer  crypto.PeerId   `json:"from_peer"`
	Digest    ephtypes.Digest `json:"digest"`
	Signature []byte          `json:"signature"`
}

type wireMessage struct {
	Variant    byte            `json:"variant"` // 0 = PrePrepare, 1 = Prepare, 2 = Commit
	PrePrepare *wirePrePrepare `json:"pre_prepare,omitempty"`
	Prepare    *wirePrepare    `json:"prepare,omitempty"`
	Commit     *wireCommit     `json:"commit,omitempty"`
}

type wireBlockEnvelope struct {
	Encoded     []byte                `json:"encoded"`
	Certificate *ephtypes.Certificate `json:"certificate"`
}

// DroppedCounter tracks outbound frames dropped because the transport's
// Broadcast call failed, exposed for metrics/diagnostics.
type DroppedCounter struct {
	mu    sync.Mutex
	count uint64
}

func (d *DroppedCounter) inc() {
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
}

// Count returns the number of frames dropped so far.
func (d *DroppedCounter) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Swarm owns the relt-backed /ephemera/broadcast/1.0.0 sub-protocol,
// translating Broadcaster/block.Manager outputs into wire frames and
// dispatching inbound frames back into them.
type Swarm struct {
	name      string
	partition string
	log       logging.Logger

	broadcaster *broadcast.Broadcaster
	blockMgr    *block.Manager

	self     crypto.PeerId
	selfKey  []byte
	Dropped  DroppedCounter
	maxQueue int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSwarm builds a Swarm for the local node identified by self and its
// raw public key, relaying broadcast outputs between broadcaster/blockMgr
// and the transport. selfKey rides every outbound Pre-Prepare envelope so
// receivers can verify the originator's signature.
func NewSwarm(name, partition string, self crypto.PeerId, selfKey []byte, broadcaster *broadcast.Broadcaster, blockMgr *block.Manager, log logging.Logger) *Swarm {
	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm{
		name:        name,
		partition:   partition,
		log:         log,
		broadcaster: broadcaster,
		blockMgr:    blockMgr,
		self:        self,
		selfKey:     selfKey,
		maxQueue:    DefaultOutboundQueueSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start runs the supervisory loop: it creates the relt transport, pumps
// outbound frames and inbound frames, and on transport failure recreates
// the connection with exponential backoff (base 500ms, cap 30s) until Stop
// is called.
func (s *Swarm) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop tears the swarm down; Start's goroutine returns once the current
// transport attempt unwinds.
func (s *Swarm) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Swarm) run() {
	defer s.wg.Done()

	backoff := DefaultReconnectBackoffBase
	for {
		if s.ctx.Err() != nil {
			return
		}
		err := s.connectAndServe()
		if err == nil || s.ctx.Err() != nil {
			return
		}
		s.log.Warnf("network: swarm transport failed, reconnecting in %s: %v", backoff, err)
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > DefaultReconnectBackoffCap {
			backoff = DefaultReconnectBackoffCap
		}
	}
}

func (s *Swarm) connectAndServe() error {
	conf := relt.DefaultReltConfiguration()
	conf.Name = s.name
	conf.Exchange = relt.GroupAddress(s.partition)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return err
	}
	defer r.Close()

	listener := r.Consume()

	var wg sync.WaitGroup
	wg.Add(2)
	errCh := make(chan error, 2)

	go func() {
		defer wg.Done()
		errCh <- s.pumpOutbound(r)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pumpInbound(listener)
	}()

	select {
	case err := <-errCh:
		r.Close()
		wg.Wait()
		return err
	case <-s.ctx.Done():
		r.Close()
		wg.Wait()
		return nil
	}
}

func (s *Swarm) pumpOutbound(r *relt.Relt) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case out, ok := <-s.broadcaster.Outbound():
			if !ok {
				return nil
			}
			s.sendOutboundMessage(r, out)
		case sealed, ok := <-s.blockMgr.Outbound():
			if !ok {
				return nil
			}
			s.sendSealedBlock(r, sealed)
		}
	}
}

func (s *Swarm) sendOutboundMessage(r *relt.Relt, out broadcast.OutboundMessage) {
	var wm wireMessage
	switch out.Kind {
	case broadcast.OutboundPrePrepare:
		wm = wireMessage{Variant: 0, PrePrepare: &wirePrePrepare{
			Encoded:   out.Message.Encode(),
			PublicKey: s.selfKey,
			Signature: out.Signature,
		}}
	case broadcast.OutboundPrepare:
		wm = wireMessage{Variant: 1, Prepare: &wirePrepare{FromPeer: s.self, Digest: out.Digest}}
	case broadcast.OutboundCommit:
		wm = wireMessage{Variant: 2, Commit: &wireCommit{FromPeer: s.self, Digest: out.Digest, Signature: out.Signature}}
	}
	body, err := json.Marshal(wm)
	if err != nil {
		log.Errorf("network: swarm: marshal outbound message %#v: %v", wm, err)
		return
	}
	s.broadcastFrame(r, EncodeBroadcastFrame(FrameRbMsg, body))
}

func (s *Swarm) sendSealedBlock(r *relt.Relt, sealed block.Sealed) {
	envelope := wireBlockEnvelope{Encoded: sealed.Block.Encode(), Certificate: sealed.Certificate}
	body, err := json.Marshal(envelope)
	if err != nil {
		s.log.Errorf("network: swarm: marshal sealed block: %v", err)
		return
	}
	s.broadcastFrame(r, EncodeBroadcastFrame(FrameBlock, body))
}

func (s *Swarm) broadcastFrame(r *relt.Relt, payload []byte) {
	send := relt.Send{Address: relt.GroupAddress(s.partition), Data: payload}
	if err := r.Broadcast(send); err != nil {
		s.Dropped.inc()
		s.log.Warnf("network: swarm: broadcast failed, dropping frame: %v", err)
	}
}

func (s *Swarm) pumpInbound(listener <-chan relt.Recv) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case recv, ok := <-listener:
			if !ok {
				return nil
			}
			if recv.Error != nil {
				s.log.Warnf("network: swarm: inbound transport error: %v", recv.Error)
				continue
			}
			s.handleInboundFrame(recv.Data)
		}
	}
}

func (s *Swarm) handleInboundFrame(data []byte) {
	kind, body, err := DecodeBroadcastFrame(data)
	if err != nil {
		s.log.Warnf("network: swarm: %v", err)
		return
	}
	switch kind {
	case FrameRbMsg:
		s.handleInboundMessage(body)
	case FrameBlock:
		s.handleInboundBlock(body)
	}
}

var (
	// ErrForgedOriginator is returned when a Pre-Prepare's advertised public
	// key does not derive the originator id the message claims.
	ErrForgedOriginator = errors.New("network: pre-prepare public key does not match claimed originator")
	// ErrBadEnvelopeSignature is returned when a Pre-Prepare's envelope
	// signature does not verify over the message's canonical signing payload.
	ErrBadEnvelopeSignature = errors.New("network: pre-prepare envelope signature verification failed")
)

// verifyPrePrepare authenticates an inbound Pre-Prepare before it reaches
// the state machine: the advertised public key must derive the claimed
// originator id and the envelope signature must verify over the canonical
// signing payload. A frame failing either check is dropped; the forged
// originator never gets an instance created on its behalf.
func verifyPrePrepare(wp *wirePrePrepare) (ephtypes.Message, error) {
	msg, err := ephtypes.DecodeMessage(wp.Encoded)
	if err != nil {
		return ephtypes.Message{}, err
	}
	public, peerID, err := crypto.PublicKeyFromBytes(wp.PublicKey)
	if err != nil {
		return ephtypes.Message{}, err
	}
	if peerID != msg.NodeID {
		return ephtypes.Message{}, ErrForgedOriginator
	}
	if !crypto.Verify(public, msg.SigningPayload(), wp.Signature) {
		return ephtypes.Message{}, ErrBadEnvelopeSignature
	}
	return msg, nil
}

func (s *Swarm) handleInboundMessage(body []byte) {
	var wm wireMessage
	if err := json.Unmarshal(body, &wm); err != nil {
		s.log.Warnf("network: swarm: decode inbound message: %v", err)
		return
	}
	switch wm.Variant {
	case 0:
		if wm.PrePrepare == nil {
			return
		}
		msg, err := verifyPrePrepare(wm.PrePrepare)
		if err != nil {
			s.log.Warnf("network: swarm: reject pre-prepare: %v", err)
			return
		}
		if err := s.broadcaster.HandlePrePrepare(msg); err != nil {
			s.log.Warnf("network: swarm: handle pre-prepare: %v", err)
		}
	case 1:
		if wm.Prepare == nil {
			return
		}
		s.broadcaster.HandlePrepare(wm.Prepare.FromPeer, wm.Prepare.Digest)
	case 2:
		if wm.Commit == nil {
			return
		}
		s.broadcaster.HandleCommit(wm.Commit.FromPeer, wm.Commit.Digest, wm.Commit.Signature)
	}
}

func (s *Swarm) handleInboundBlock(body []byte) {
	var envelope wireBlockEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.log.Warnf("network: swarm: decode inbound block envelope: %v", err)
		return
	}
	b, err := ephtypes.DecodeBlock(envelope.Encoded)
	if err != nil {
		s.log.Warnf("network: swarm: decode inbound block: %v", err)
		return
	}
	if err := s.blockMgr.AcceptPeerBlock(b, envelope.Certificate); err != nil && err != block.ErrChainForked {
		s.log.Errorf("network: swarm: accept peer block: %v", err)
	}
}
