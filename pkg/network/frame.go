// Package network multiplexes the three ephemera sub-protocols over peer
// connections: reliable broadcast (relt-backed), peer discovery and member
// gossip (length-prefixed JSON over plain TCP).
package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/andrussal/ephemera-go/pkg/crypto"
)

// FrameKind tags what a broadcast-channel frame carries: a reliable
// broadcast protocol message or a sealed block. Both kinds share the same
// broadcast channel.
type FrameKind byte

const (
	FrameRbMsg FrameKind = iota + 1
	FrameBlock
)

// ErrUnknownFrameKind is returned when a broadcast-channel frame's leading
// tag byte does not match a known FrameKind.
var ErrUnknownFrameKind = errors.New("network: unknown frame kind")

// EncodeBroadcastFrame produces the payload handed to the underlying
// transport: a one-byte kind tag followed by the already-encoded body.
func EncodeBroadcastFrame(kind FrameKind, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(kind))
	out = append(out, body...)
	return out
}

// DecodeBroadcastFrame splits a transport payload back into its kind tag
// and body.
func DecodeBroadcastFrame(data []byte) (FrameKind, []byte, error) {
	if len(data) == 0 {
		return 0, nil, ErrUnknownFrameKind
	}
	kind := FrameKind(data[0])
	if kind != FrameRbMsg && kind != FrameBlock {
		return 0, nil, ErrUnknownFrameKind
	}
	return kind, data[1:], nil
}

// WriteJSONFrame writes a varint length prefix followed by the JSON
// encoding of v, used by the discovery and member-gossip sub-protocols.
func WriteJSONFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return crypto.WriteFrame(w, body)
}

// ReadJSONFrame reads one varint-length-prefixed JSON frame and decodes it
// into v.
func ReadJSONFrame(r *bufio.Reader, maxSize int, v interface{}) error {
	body, err := crypto.ReadFrame(r, maxSize)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// encodeJSONFrame is a convenience for tests that need the raw bytes of a
// single frame without an io.Writer.
func encodeJSONFrame(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJSONFrame(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
