package storage

import (
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/andrussal/ephemera-go/pkg/ephtypes"
)

var (
	blocksBucket       = []byte("blocks")
	heightIndexBucket  = []byte("heights")
	certificatesBucket = []byte("certificates")
)

// jsonCertificate is the on-disk shape of a Certificate, whose internal map
// is unexported.
type jsonCertificate struct {
	Entries []ephtypes.PeerSignature
}

func toJSONCertificate(c *ephtypes.Certificate) jsonCertificate {
	return jsonCertificate{Entries: c.Entries()}
}

func fromJSONCertificate(j jsonCertificate) *ephtypes.Certificate {
	cert := ephtypes.NewCertificate()
	for _, e := range j.Entries {
		cert.Add(e.PeerID, e.Signature)
	}
	return cert
}

// BoltStorage is the default embedded-engine Storage implementation,
// backed by a single bbolt database file with three buckets: blocks
// (hash -> block body), heights (height -> hash) and certificates
// (digest -> certificate).
type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens (creating if necessary) the bbolt database at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{blocksBucket, heightIndexBucket, certificatesBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "init buckets", Err: err}
	}
	return &BoltStorage{db: db}, nil
}

func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return b[:]
}

// StoreBlock persists the block and its attached certificates atomically in
// a single bbolt transaction, so a reader never observes a block without
// its certificates or vice versa.
func (s *BoltStorage) StoreBlock(block ephtypes.Block, certificates map[ephtypes.Digest]*ephtypes.Certificate) error {
	blockJSON, err := json.Marshal(block)
	if err != nil {
		return &StorageError{Op: "marshal block", Err: err}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(blocksBucket)
		if err := blocks.Put(block.Header.Hash[:], blockJSON); err != nil {
			return err
		}
		heights := tx.Bucket(heightIndexBucket)
		if err := heights.Put(heightKey(block.Header.Height), block.Header.Hash[:]); err != nil {
			return err
		}
		certs := tx.Bucket(certificatesBucket)
		for digest, cert := range certificates {
			data, err := json.Marshal(toJSONCertificate(cert))
			if err != nil {
				return err
			}
			if err := certs.Put(digest[:], data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "store block", Err: err}
	}
	return nil
}

func (s *BoltStorage) GetBlockByHash(hash ephtypes.Digest) (ephtypes.Block, error) {
	var block ephtypes.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(blocksBucket).Get(hash[:])
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &block)
	})
	if err != nil {
		if err == ErrNotFound {
			return ephtypes.Block{}, ErrNotFound
		}
		return ephtypes.Block{}, &StorageError{Op: "get block by hash", Err: err}
	}
	return block, nil
}

func (s *BoltStorage) GetBlockByHeight(height uint64) (ephtypes.Block, error) {
	var hash ephtypes.Digest
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(heightIndexBucket).Get(heightKey(height))
		if data == nil {
			return nil
		}
		copy(hash[:], data)
		found = true
		return nil
	})
	if err != nil {
		return ephtypes.Block{}, &StorageError{Op: "get block by height", Err: err}
	}
	if !found {
		return ephtypes.Block{}, ErrNotFound
	}
	return s.GetBlockByHash(hash)
}

func (s *BoltStorage) GetLastBlock() (ephtypes.Block, bool, error) {
	var lastHeight uint64
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(heightIndexBucket).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		lastHeight = binary.BigEndian.Uint64(k)
		found = true
		return nil
	})
	if err != nil {
		return ephtypes.Block{}, false, &StorageError{Op: "get last block", Err: err}
	}
	if !found {
		return ephtypes.Block{}, false, nil
	}
	block, err := s.GetBlockByHeight(lastHeight)
	if err != nil {
		return ephtypes.Block{}, false, err
	}
	return block, true, nil
}

func (s *BoltStorage) GetBlockCertificates(hash ephtypes.Digest) (*ephtypes.Certificate, error) {
	var jc jsonCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(certificatesBucket).Get(hash[:])
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &jc)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get block certificates", Err: err}
	}
	return fromJSONCertificate(jc), nil
}

func (s *BoltStorage) StoreMessageCertificate(digest ephtypes.Digest, certificate *ephtypes.Certificate) error {
	data, err := json.Marshal(toJSONCertificate(certificate))
	if err != nil {
		return &StorageError{Op: "marshal message certificate", Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(certificatesBucket).Put(digest[:], data)
	})
	if err != nil {
		return &StorageError{Op: "store message certificate", Err: err}
	}
	return nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}
