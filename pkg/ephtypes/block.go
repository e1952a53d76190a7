package ephtypes

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/andrussal/ephemera-go/pkg/crypto"
)

// ZeroHash is the previous_hash of the genesis block.
var ZeroHash Digest

// BlockHeader carries everything about a block except its body. Hash is
// computed over the rest of the header plus the body; it is never part of
// its own input.
type BlockHeader struct {
	Height         uint64
	PreviousHash   Digest
	Hash           Digest
	Timestamp      time.Time
	ProposerPeerID crypto.PeerId
}

// Block is an ordered, immutable batch of delivered messages chained to the
// previous block by hash.
type Block struct {
	Header   BlockHeader
	Messages []ApiEphemeraMessage
}

// NewBlock builds an unsealed block (Hash left zero) for the given height,
// previous hash and delivered messages.
func NewBlock(height uint64, previousHash Digest, proposer crypto.PeerId, messages []ApiEphemeraMessage) Block {
	return Block{
		Header: BlockHeader{
			Height:         height,
			PreviousHash:   previousHash,
			Timestamp:      time.Now(),
			ProposerPeerID: proposer,
		},
		Messages: messages,
	}
}

// headerWithoutHash returns the deterministic, fixed-order encoding of the
// header with the Hash field excluded, the input half of the block hash.
func (b Block) headerWithoutHash() []byte {
	var buf bytes.Buffer
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], b.Header.Height)
	buf.Write(height[:])
	buf.Write(b.Header.PreviousHash[:])
	var secs, nanos [8]byte
	binary.BigEndian.PutUint64(secs[:], uint64(b.Header.Timestamp.Unix()))
	binary.BigEndian.PutUint64(nanos[:], uint64(b.Header.Timestamp.Nanosecond()))
	buf.Write(secs[:])
	buf.Write(nanos[:])
	buf.Write(b.Header.ProposerPeerID[:])
	return buf.Bytes()
}

func (b Block) bodyBytes() []byte {
	var buf bytes.Buffer
	for _, m := range b.Messages {
		buf.Write(m.Raw.Message.Encode())
	}
	return buf.Bytes()
}

// ComputeHash returns the deterministic hash over (header_without_hash, body).
func (b Block) ComputeHash() Digest {
	h := sha256.New()
	h.Write(b.headerWithoutHash())
	h.Write(b.bodyBytes())
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Seal computes and fixes the block's hash. A block must not be mutated
// after this is called.
func (b *Block) Seal() {
	b.Header.Hash = b.ComputeHash()
}

// Encode produces the canonical wire encoding of a sealed block:
// fixed-order header fields followed by a message count and each message's
// own canonical encoding paired with its certificate.
func (b Block) Encode() []byte {
	var buf bytes.Buffer
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], b.Header.Height)
	buf.Write(height[:])
	buf.Write(b.Header.PreviousHash[:])
	buf.Write(b.Header.Hash[:])
	var secs, nanos [8]byte
	binary.BigEndian.PutUint64(secs[:], uint64(b.Header.Timestamp.Unix()))
	binary.BigEndian.PutUint64(nanos[:], uint64(b.Header.Timestamp.Nanosecond()))
	buf.Write(secs[:])
	buf.Write(nanos[:])
	buf.Write(b.Header.ProposerPeerID[:])

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(b.Messages)))
	buf.Write(count[:])
	for _, m := range b.Messages {
		writeLengthPrefixed(&buf, m.Raw.Message.Encode())
		certBytes, _ := json.Marshal(m.Certificate)
		writeLengthPrefixed(&buf, certBytes)
	}
	return buf.Bytes()
}

// DecodeBlock reverses Encode.
func DecodeBlock(data []byte) (Block, error) {
	r := bytes.NewReader(data)
	var b Block

	var height, secs, nanos, count [8]byte
	if _, err := readFull(r, height[:]); err != nil {
		return Block{}, err
	}
	b.Header.Height = binary.BigEndian.Uint64(height[:])
	if _, err := readFull(r, b.Header.PreviousHash[:]); err != nil {
		return Block{}, err
	}
	if _, err := readFull(r, b.Header.Hash[:]); err != nil {
		return Block{}, err
	}
	if _, err := readFull(r, secs[:]); err != nil {
		return Block{}, err
	}
	if _, err := readFull(r, nanos[:]); err != nil {
		return Block{}, err
	}
	b.Header.Timestamp = time.Unix(int64(binary.BigEndian.Uint64(secs[:])), int64(binary.BigEndian.Uint64(nanos[:]))).UTC()
	if _, err := readFull(r, b.Header.ProposerPeerID[:]); err != nil {
		return Block{}, err
	}
	if _, err := readFull(r, count[:]); err != nil {
		return Block{}, err
	}

	n := binary.BigEndian.Uint64(count[:])
	b.Messages = make([]ApiEphemeraMessage, 0, n)
	for i := uint64(0); i < n; i++ {
		msgBytes, err := readLengthPrefixed(r)
		if err != nil {
			return Block{}, err
		}
		msg, err := DecodeMessage(msgBytes)
		if err != nil {
			return Block{}, err
		}
		certBytes, err := readLengthPrefixed(r)
		if err != nil {
			return Block{}, err
		}
		cert := NewCertificate()
		if err := json.Unmarshal(certBytes, cert); err != nil {
			return Block{}, err
		}
		b.Messages = append(b.Messages, ApiEphemeraMessage{
			Raw:         RawApiEphemeraMessage{Message: msg},
			Certificate: cert,
		})
	}
	return b, nil
}
