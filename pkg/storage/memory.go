package storage

import (
	"github.com/andrussal/ephemera-go/pkg/ephtypes"
)

// MemoryStorage is an in-process Storage used by tests and single-node dev
// mode. Per the design notes, only the block manager task is expected to
// mutate a Storage handle; callers needing cross-task read access (the API)
// are responsible for their own synchronization, so MemoryStorage does not
// lock internally.
type MemoryStorage struct {
	byHash        map[ephtypes.Digest]ephtypes.Block
	byHeight      map[uint64]ephtypes.Digest
	certificates  map[ephtypes.Digest]*ephtypes.Certificate
	messageCert   map[ephtypes.Digest]*ephtypes.Certificate
	lastHeight    uint64
	hasLastHeight bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byHash:       make(map[ephtypes.Digest]ephtypes.Block),
		byHeight:     make(map[uint64]ephtypes.Digest),
		certificates: make(map[ephtypes.Digest]*ephtypes.Certificate),
		messageCert:  make(map[ephtypes.Digest]*ephtypes.Certificate),
	}
}

func (m *MemoryStorage) StoreBlock(block ephtypes.Block, certificates map[ephtypes.Digest]*ephtypes.Certificate) error {
	m.byHash[block.Header.Hash] = block
	m.byHeight[block.Header.Height] = block.Header.Hash
	for digest, cert := range certificates {
		m.certificates[digest] = cert
	}
	m.lastHeight = block.Header.Height
	m.hasLastHeight = true
	return nil
}

func (m *MemoryStorage) GetBlockByHash(hash ephtypes.Digest) (ephtypes.Block, error) {
	b, ok := m.byHash[hash]
	if !ok {
		return ephtypes.Block{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStorage) GetBlockByHeight(height uint64) (ephtypes.Block, error) {
	hash, ok := m.byHeight[height]
	if !ok {
		return ephtypes.Block{}, ErrNotFound
	}
	return m.GetBlockByHash(hash)
}

func (m *MemoryStorage) GetLastBlock() (ephtypes.Block, bool, error) {
	if !m.hasLastHeight {
		return ephtypes.Block{}, false, nil
	}
	b, err := m.GetBlockByHeight(m.lastHeight)
	if err != nil {
		return ephtypes.Block{}, false, err
	}
	return b, true, nil
}

func (m *MemoryStorage) GetBlockCertificates(hash ephtypes.Digest) (*ephtypes.Certificate, error) {
	cert, ok := m.certificates[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cert, nil
}

func (m *MemoryStorage) StoreMessageCertificate(digest ephtypes.Digest, certificate *ephtypes.Certificate) error {
	m.messageCert[digest] = certificate
	return nil
}

func (m *MemoryStorage) Close() error { return nil }
