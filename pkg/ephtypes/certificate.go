package ephtypes

import (
	"encoding/json"
	"sort"

	"github.com/andrussal/ephemera-go/pkg/crypto"
)

// PeerSignature is one peer's attestation over a digest.
type PeerSignature struct {
	PeerID    crypto.PeerId
	Signature []byte
}

// Certificate is a deduplicated, peer-keyed set of signatures attesting to
// a single digest (a message digest or a block hash).
type Certificate struct {
	signatures map[crypto.PeerId][]byte
}

// NewCertificate creates an empty certificate.
func NewCertificate() *Certificate {
	return &Certificate{signatures: make(map[crypto.PeerId][]byte)}
}

// Add inserts a peer's signature. A peer contributes at most one signature;
// later additions from the same peer are silently dropped.
func (c *Certificate) Add(peer crypto.PeerId, signature []byte) {
	if _, exists := c.signatures[peer]; exists {
		return
	}
	c.signatures[peer] = signature
}

// Contains reports whether the given peer has already contributed.
func (c *Certificate) Contains(peer crypto.PeerId) bool {
	_, ok := c.signatures[peer]
	return ok
}

// Len returns the number of distinct peer signatures collected.
func (c *Certificate) Len() int {
	return len(c.signatures)
}

// Entries returns the certificate's signatures sorted by peer id, for
// deterministic iteration (persistence, serialization).
func (c *Certificate) Entries() []PeerSignature {
	out := make([]PeerSignature, 0, len(c.signatures))
	for peer, sig := range c.signatures {
		out = append(out, PeerSignature{PeerID: peer, Signature: sig})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.Less(out[j].PeerID) })
	return out
}

// MarshalJSON serializes the certificate as its sorted entry list; the
// internal map has no exported fields for encoding/json to walk on its own.
func (c *Certificate) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Entries())
}

// UnmarshalJSON rebuilds the internal map from the entry list produced by
// MarshalJSON.
func (c *Certificate) UnmarshalJSON(data []byte) error {
	var entries []PeerSignature
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	c.signatures = make(map[crypto.PeerId][]byte, len(entries))
	for _, e := range entries {
		c.signatures[e.PeerID] = e.Signature
	}
	return nil
}

// RawApiEphemeraMessage is the signed portion of an ApiEphemeraMessage: the
// raw message without its attached certificate, the thing that actually
// gets signed.
type RawApiEphemeraMessage struct {
	Message Message
}

// ApiEphemeraMessage pairs a raw message with the certificate of peer
// signatures collected for it.
type ApiEphemeraMessage struct {
	Raw         RawApiEphemeraMessage
	Certificate *Certificate
}
