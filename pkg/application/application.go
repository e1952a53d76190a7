// Package application holds the pluggable check-hook pipeline the core
// consults before accepting a message into a broadcast instance and before
// persisting a block.
package application

import (
	"crypto/ed25519"

	"github.com/andrussal/ephemera-go/pkg/crypto"
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
)

// CheckBlockResult is the application's verdict on a proposed block.
type CheckBlockResult int

const (
	Accept CheckBlockResult = iota
	Reject
	Postpone
)

func (r CheckBlockResult) String() string {
	switch r {
	case Accept:
		return "Accept"
	case Reject:
		return "Reject"
	case Postpone:
		return "Postpone"
	default:
		return "Unknown"
	}
}

// Application is the capability the broadcast state machine and block
// manager consult: check_tx gates Pre-Prepare acceptance, check_block gates
// persistence, deliver_block notifies once a block has been accepted.
type Application interface {
	CheckTx(message ephtypes.Message) bool
	CheckBlock(block ephtypes.Block) CheckBlockResult
	DeliverBlock(block ephtypes.Block)
}

// DefaultApplication accepts every message and every block unconditionally.
type DefaultApplication struct{}

func (DefaultApplication) CheckTx(ephtypes.Message) bool              { return true }
func (DefaultApplication) CheckBlock(ephtypes.Block) CheckBlockResult { return Accept }
func (DefaultApplication) DeliverBlock(ephtypes.Block)                {}

// KnownKeys resolves a peer id to its public key, used by
// SignatureVerificationApplication to verify message certificates.
type KnownKeys interface {
	PublicKeyFor(peer crypto.PeerId) (publicKey []byte, ok bool)
}

// SignatureVerificationApplication admits messages only from recognized
// originators, and persists a block only when every signature in every
// message's certificate verifies against the signer's known key.
type SignatureVerificationApplication struct {
	Keys KnownKeys
}

// CheckTx admits a message only when its claimed originator resolves to a
// known public key. The envelope signature itself is checked by the
// network layer before the message reaches the state machine; this hook
// closes the remaining gap, a validly-signed message from a peer the
// membership provider does not recognize.
func (a SignatureVerificationApplication) CheckTx(message ephtypes.Message) bool {
	_, ok := a.Keys.PublicKeyFor(message.NodeID)
	return ok
}

// CheckBlock rejects a block when any certificate entry comes from an
// unknown peer or fails to verify over its message's digest.
func (a SignatureVerificationApplication) CheckBlock(block ephtypes.Block) CheckBlockResult {
	for _, m := range block.Messages {
		if m.Certificate == nil {
			return Reject
		}
		digest := m.Raw.Message.Digest()
		for _, entry := range m.Certificate.Entries() {
			public, ok := a.Keys.PublicKeyFor(entry.PeerID)
			if !ok {
				return Reject
			}
			if !crypto.Verify(ed25519.PublicKey(public), digest.Bytes(), entry.Signature) {
				return Reject
			}
		}
	}
	return Accept
}

func (a SignatureVerificationApplication) DeliverBlock(ephtypes.Block) {}
