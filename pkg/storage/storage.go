// Package storage defines the persistence capability the block manager
// depends on and ships two implementations: an in-memory one for tests and
// dev mode, and a bbolt-backed one for production use.
package storage

import (
	"errors"

	"github.com/andrussal/ephemera-go/pkg/ephtypes"
)

// ErrNotFound is returned when a lookup by hash or height has no match.
var ErrNotFound = errors.New("storage: not found")

// StorageError wraps any failure performing I/O on the backing store. The
// block manager logs it and abandons the current tick, leaving the batch
// pending for the next one; the error is not propagated to the orchestrator
// and does not stop the block-manager loop or the node.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage persists blocks and their certificates atomically at block
// granularity, and supports message-level certificate lookups. All
// implementations must make a block and its attached certificates visible
// together or not at all.
type Storage interface {
	StoreBlock(block ephtypes.Block, certificates map[ephtypes.Digest]*ephtypes.Certificate) error
	GetBlockByHash(hash ephtypes.Digest) (ephtypes.Block, error)
	GetBlockByHeight(height uint64) (ephtypes.Block, error)
	GetLastBlock() (ephtypes.Block, bool, error)
	GetBlockCertificates(hash ephtypes.Digest) (*ephtypes.Certificate, error)
	StoreMessageCertificate(digest ephtypes.Digest, certificate *ephtypes.Certificate) error
	Close() error
}
