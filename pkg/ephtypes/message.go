// Package ephtypes holds the wire-level data model shared by every
// component: messages, certificates and blocks, plus their canonical,
// fixed-field-order encodings.
package ephtypes

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/andrussal/ephemera-go/pkg/crypto"
)

// Digest is a SHA-256 digest over a message's canonical payload.
type Digest [32]byte

func (d Digest) Bytes() []byte { return d[:] }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// PayloadKind tags which phase a message's variant payload belongs to.
type PayloadKind uint8

const (
	PrePrepareKind PayloadKind = iota + 1
	PrepareKind
	CommitKind
)

var (
	ErrUnknownPayloadKind = errors.New("ephtypes: unknown payload kind")
	ErrTruncatedMessage   = errors.New("ephtypes: truncated message encoding")
)

// Payload is the tagged variant carried by an RbMsg: exactly one of
// PrePrepare{Bytes}, Prepare{Digest} or Commit{Digest,Signature} is
// meaningful, selected by Kind.
type Payload struct {
	Kind      PayloadKind
	Bytes     []byte // PrePrepare only
	Digest    Digest // Prepare and Commit
	Signature []byte // Commit only
}

// Message is a single reliable-broadcast protocol message progressing
// through Pre-Prepare, Prepare and Commit for one broadcast instance.
type Message struct {
	ID              uuid.UUID
	NodeID          crypto.PeerId
	Timestamp       time.Time
	CustomMessageID string
	Payload         Payload
}

// NewPrePrepare builds the originating message for a fresh broadcast
// instance.
func NewPrePrepare(origin crypto.PeerId, customMessageID string, body []byte) Message {
	return Message{
		ID:              uuid.New(),
		NodeID:          origin,
		Timestamp:       time.Now(),
		CustomMessageID: customMessageID,
		Payload: Payload{
			Kind:  PrePrepareKind,
			Bytes: body,
		},
	}
}

// Digest returns the value that uniquely identifies the broadcast instance
// this message belongs to. For a Pre-Prepare it is computed as
// H(payload || originator || custom_message_id); Prepare and Commit
// messages already carry that digest and return it as-is.
func (m Message) Digest() Digest {
	if m.Payload.Kind == PrepareKind || m.Payload.Kind == CommitKind {
		return m.Payload.Digest
	}
	h := sha256.New()
	h.Write(m.payloadBytesForDigest())
	h.Write(m.NodeID[:])
	h.Write([]byte(m.CustomMessageID))
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

func (m Message) payloadBytesForDigest() []byte {
	switch m.Payload.Kind {
	case PrePrepareKind:
		return m.Payload.Bytes
	case PrepareKind, CommitKind:
		return m.Payload.Digest[:]
	default:
		return nil
	}
}

// SigningPayload is the canonical, fixed-field-order encoding that gets
// signed and verified. It never includes the message's own signature field
// so that a Commit message can be re-verified against the digest it attests.
func (m Message) SigningPayload() []byte {
	var secs, nanos [8]byte
	binary.BigEndian.PutUint64(secs[:], uint64(m.Timestamp.Unix()))
	binary.BigEndian.PutUint64(nanos[:], uint64(m.Timestamp.Nanosecond()))
	return crypto.EncodeSigningPayload(
		m.ID[:],
		m.NodeID[:],
		secs[:],
		nanos[:],
		[]byte(m.CustomMessageID),
		[]byte{byte(m.Payload.Kind)},
		m.payloadBytesForDigest(),
	)
}

// Encode produces the canonical, fixed-field-order wire encoding of the
// whole message, including the variant-specific fields the signing payload
// omits (the Commit signature).
func (m Message) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.ID[:])
	buf.Write(m.NodeID[:])
	var secs, nanos [8]byte
	binary.BigEndian.PutUint64(secs[:], uint64(m.Timestamp.Unix()))
	binary.BigEndian.PutUint64(nanos[:], uint64(m.Timestamp.Nanosecond()))
	buf.Write(secs[:])
	buf.Write(nanos[:])
	writeLengthPrefixed(&buf, []byte(m.CustomMessageID))
	buf.WriteByte(byte(m.Payload.Kind))
	switch m.Payload.Kind {
	case PrePrepareKind:
		writeLengthPrefixed(&buf, m.Payload.Bytes)
	case PrepareKind:
		buf.Write(m.Payload.Digest[:])
	case CommitKind:
		buf.Write(m.Payload.Digest[:])
		writeLengthPrefixed(&buf, m.Payload.Signature)
	}
	return buf.Bytes()
}

// DecodeMessage reverses Encode.
func DecodeMessage(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	var m Message
	if _, err := readFull(r, m.ID[:]); err != nil {
		return Message{}, err
	}
	if _, err := readFull(r, m.NodeID[:]); err != nil {
		return Message{}, err
	}
	var secs, nanos [8]byte
	if _, err := readFull(r, secs[:]); err != nil {
		return Message{}, err
	}
	if _, err := readFull(r, nanos[:]); err != nil {
		return Message{}, err
	}
	m.Timestamp = time.Unix(int64(binary.BigEndian.Uint64(secs[:])), int64(binary.BigEndian.Uint64(nanos[:]))).UTC()

	customID, err := readLengthPrefixed(r)
	if err != nil {
		return Message{}, err
	}
	m.CustomMessageID = string(customID)

	kindByte, err := r.ReadByte()
	if err != nil {
		return Message{}, ErrTruncatedMessage
	}
	m.Payload.Kind = PayloadKind(kindByte)
	switch m.Payload.Kind {
	case PrePrepareKind:
		body, err := readLengthPrefixed(r)
		if err != nil {
			return Message{}, err
		}
		m.Payload.Bytes = body
	case PrepareKind:
		if _, err := readFull(r, m.Payload.Digest[:]); err != nil {
			return Message{}, err
		}
	case CommitKind:
		if _, err := readFull(r, m.Payload.Digest[:]); err != nil {
			return Message{}, err
		}
		sig, err := readLengthPrefixed(r)
		if err != nil {
			return Message{}, err
		}
		m.Payload.Signature = sig
	default:
		return Message{}, ErrUnknownPayloadKind
	}
	return m, nil
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := readFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, ErrTruncatedMessage
	}
	if n != len(buf) {
		return n, ErrTruncatedMessage
	}
	return n, nil
}
