package crypto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// DefaultMaxFrameSize bounds a single length-prefixed frame at 1 MiB.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a decoded varint length prefix exceeds
// the configured maximum.
var ErrFrameTooLarge = errors.New("crypto: frame exceeds maximum size")

// WriteFrame writes an unsigned-varint length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame, rejecting declared lengths
// above maxSize with ErrFrameTooLarge before allocating a buffer for it.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if length > uint64(maxSize) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeSigningPayload concatenates fields in a fixed canonical order so
// that signing and verification never depend on struct field ordering or a
// map's iteration order. fields are pre-serialized byte slices supplied by
// the caller in the order they must appear on the wire.
func EncodeSigningPayload(fields ...[]byte) []byte {
	total := 0
	for _, f := range fields {
		total += binary.MaxVarintLen64 + len(f)
	}
	out := make([]byte, 0, total)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, f := range fields {
		n := binary.PutUvarint(lenBuf[:], uint64(len(f)))
		out = append(out, lenBuf[:n]...)
		out = append(out, f...)
	}
	return out
}
