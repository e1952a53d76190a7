// Package block runs the periodic block-building pipeline: draining
// delivered messages off the broadcaster, sealing them into a block, and
// persisting the result.
package block

import (
	"context"
	"errors"
	"time"

	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/broadcast"
	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/storage"
)

// DefaultTickInterval is how often the manager attempts to build a block.
const DefaultTickInterval = time.Second

// DefaultMaxMessages bounds how many delivered messages go into one block.
const DefaultMaxMessages = 500

// Config tunes the block manager; zero values fall back to defaults.
type Config struct {
	TickInterval       time.Duration
	MaxMessages        int
	EmptyBlocksAllowed bool
}

// Sealed is a fully built, signed block plus the self-certificate over its
// hash, handed to the network layer for broadcast and to the WS fan-out.
type Sealed struct {
	Block       ephtypes.Block
	Certificate *ephtypes.Certificate
}

// Manager drains the broadcaster's delivery inbox on a ticker, then
// builds, seals, checks and persists a block per tick.
type Manager struct {
	keypair *crypto.Keypair
	app     application.Application
	store   storage.Storage
	log     logging.Logger

	tickInterval       time.Duration
	maxMessages        int
	emptyBlocksAllowed bool

	deliveries <-chan broadcast.Delivery
	pending    []broadcast.Delivery

	outbound chan Sealed
	wsFanout chan Sealed
}

// New builds a Manager draining from deliveries.
func New(keypair *crypto.Keypair, app application.Application, store storage.Storage, log logging.Logger, deliveries <-chan broadcast.Delivery, cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	return &Manager{
		keypair:            keypair,
		app:                app,
		store:              store,
		log:                log,
		tickInterval:       cfg.TickInterval,
		maxMessages:        cfg.MaxMessages,
		emptyBlocksAllowed: cfg.EmptyBlocksAllowed,
		deliveries:         deliveries,
		outbound:           make(chan Sealed, 16),
		wsFanout:           make(chan Sealed, 16),
	}
}

// Outbound is the stream of sealed blocks the network layer must broadcast.
func (m *Manager) Outbound() <-chan Sealed { return m.outbound }

// WSFanout is the stream of sealed blocks the WS bridge must publish.
func (m *Manager) WSFanout() <-chan Sealed { return m.wsFanout }

// Run drives the ticker loop until ctx is cancelled. It also drains the
// deliveries channel continuously between ticks so the pending buffer never
// blocks the broadcaster.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-m.deliveries:
			if !ok {
				return
			}
			m.pending = append(m.pending, d)
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	// Opportunistically absorb anything queued since the last tick without
	// blocking if the channel is currently empty.
drain:
	for {
		select {
		case d, ok := <-m.deliveries:
			if !ok {
				break drain
			}
			m.pending = append(m.pending, d)
		default:
			break drain
		}
	}

	take := len(m.pending)
	if take > m.maxMessages {
		take = m.maxMessages
	}
	if take == 0 && !m.emptyBlocksAllowed {
		return
	}
	batch := m.pending[:take]

	last, hasLast, err := m.store.GetLastBlock()
	if err != nil {
		m.log.Errorf("block manager: read last block: %v", err)
		return
	}
	height := uint64(1)
	previousHash := ephtypes.ZeroHash
	if hasLast {
		height = last.Header.Height + 1
		previousHash = last.Header.Hash
	}

	messages := make([]ephtypes.ApiEphemeraMessage, 0, len(batch))
	for _, d := range batch {
		messages = append(messages, ephtypes.ApiEphemeraMessage{
			Raw:         ephtypes.RawApiEphemeraMessage{Message: d.Message},
			Certificate: d.Certificate,
		})
	}

	b := ephtypes.NewBlock(height, previousHash, m.keypair.PeerId(), messages)
	b.Seal()

	blockCert := ephtypes.NewCertificate()
	blockCert.Add(m.keypair.PeerId(), m.keypair.Sign(b.Header.Hash.Bytes()))

	switch m.app.CheckBlock(b) {
	case application.Reject:
		m.log.Warnf("block manager: block at height %d rejected by application, discarding %d messages", height, take)
		m.pending = m.pending[take:]
		return
	case application.Postpone:
		m.log.Debugf("block manager: block at height %d postponed, re-queueing for next tick", height)
		return
	}

	if err := m.persistAndPublish(b, blockCert, batch); err != nil {
		m.log.Errorf("block manager: persist block at height %d: %v", height, err)
		return
	}
	m.pending = m.pending[take:]
	m.app.DeliverBlock(b)
}

func (m *Manager) persistAndPublish(b ephtypes.Block, blockCert *ephtypes.Certificate, batch []broadcast.Delivery) error {
	certificates := map[ephtypes.Digest]*ephtypes.Certificate{b.Header.Hash: blockCert}
	if err := m.store.StoreBlock(b, certificates); err != nil {
		return &storage.StorageError{Op: "store block", Err: err}
	}
	for _, d := range batch {
		if err := m.store.StoreMessageCertificate(d.Message.Digest(), d.Certificate); err != nil {
			return &storage.StorageError{Op: "store message certificate", Err: err}
		}
	}

	sealed := Sealed{Block: b, Certificate: blockCert}
	select {
	case m.outbound <- sealed:
	default:
		m.log.Warnf("block manager: outbound queue full, dropping broadcast of block %d", b.Header.Height)
	}
	select {
	case m.wsFanout <- sealed:
	default:
		m.log.Warnf("block manager: ws fanout queue full, dropping block %d", b.Header.Height)
	}
	return nil
}

// ErrChainForked indicates a peer block's (height, previous_hash) pair does
// not chain onto the local head; the mismatch is logged but never mutates
// local state.
var ErrChainForked = errors.New("block manager: chain forked")

// AcceptPeerBlock runs a block received from a peer through the same
// check_block path; it is persisted only if it chains directly onto the
// local head.
func (m *Manager) AcceptPeerBlock(b ephtypes.Block, cert *ephtypes.Certificate) error {
	switch m.app.CheckBlock(b) {
	case application.Reject:
		m.log.Warnf("block manager: peer block at height %d rejected by application", b.Header.Height)
		return nil
	case application.Postpone:
		m.log.Debugf("block manager: peer block at height %d postponed", b.Header.Height)
		return nil
	}

	last, hasLast, err := m.store.GetLastBlock()
	if err != nil {
		return &storage.StorageError{Op: "read last block", Err: err}
	}
	wantHeight := uint64(1)
	wantPrevious := ephtypes.ZeroHash
	if hasLast {
		wantHeight = last.Header.Height + 1
		wantPrevious = last.Header.Hash
	}
	if b.Header.Height != wantHeight || b.Header.PreviousHash != wantPrevious {
		m.log.Warnf("block manager: ChainForked: peer block height=%d previous_hash=%x does not chain onto local head height=%d hash=%x",
			b.Header.Height, b.Header.PreviousHash, wantHeight-1, wantPrevious)
		return ErrChainForked
	}

	certificates := map[ephtypes.Digest]*ephtypes.Certificate{b.Header.Hash: cert}
	if err := m.store.StoreBlock(b, certificates); err != nil {
		return &storage.StorageError{Op: "store peer block", Err: err}
	}
	m.app.DeliverBlock(b)
	return nil
}
