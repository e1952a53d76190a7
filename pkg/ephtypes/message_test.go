package ephtypes

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/andrussal/ephemera-go/pkg/crypto"
)

func sampleOrigin() crypto.PeerId {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		panic(err)
	}
	return kp.PeerId()
}

func TestMessage_EncodeDecodeRoundTrip_PrePrepare(t *testing.T) {
	m := NewPrePrepare(sampleOrigin(), "tx-A", []byte("hello"))
	m.Timestamp = m.Timestamp.Truncate(time.Second)

	decoded, err := DecodeMessage(m.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != m.ID || decoded.NodeID != m.NodeID || decoded.CustomMessageID != m.CustomMessageID {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, m)
	}
	if !bytes.Equal(decoded.Payload.Bytes, m.Payload.Bytes) {
		t.Fatalf("payload mismatch: %q vs %q", decoded.Payload.Bytes, m.Payload.Bytes)
	}
	if !decoded.Timestamp.Equal(m.Timestamp) {
		t.Fatalf("timestamp mismatch: %v vs %v", decoded.Timestamp, m.Timestamp)
	}
}

func TestMessage_EncodeDecodeRoundTrip_Commit(t *testing.T) {
	m := Message{
		ID:              uuid.New(),
		NodeID:          sampleOrigin(),
		Timestamp:       time.Now().Truncate(time.Second),
		CustomMessageID: "tx-B",
		Payload: Payload{
			Kind:      CommitKind,
			Digest:    Digest{1, 2, 3},
			Signature: bytes.Repeat([]byte{0xAB}, 64),
		},
	}

	decoded, err := DecodeMessage(m.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload.Digest != m.Payload.Digest {
		t.Fatalf("digest mismatch")
	}
	if !bytes.Equal(decoded.Payload.Signature, m.Payload.Signature) {
		t.Fatalf("signature mismatch")
	}
}

func TestMessage_DigestStableAcrossPhaseTransition(t *testing.T) {
	origin := sampleOrigin()
	pp := NewPrePrepare(origin, "corr-1", []byte("payload"))
	digest := pp.Digest()

	prepare := Message{
		ID:              pp.ID,
		NodeID:          origin,
		Timestamp:       time.Now(),
		CustomMessageID: "corr-1",
		Payload:         Payload{Kind: PrepareKind, Digest: digest},
	}
	if prepare.Digest() != digest {
		t.Fatalf("prepare/commit digest must recompute to the same value when payload carries the digest")
	}
}

func TestCertificate_DuplicateSignatureDropped(t *testing.T) {
	cert := NewCertificate()
	peer := sampleOrigin()
	cert.Add(peer, []byte("sig-1"))
	cert.Add(peer, []byte("sig-2"))

	if cert.Len() != 1 {
		t.Fatalf("expected 1 signature, got %d", cert.Len())
	}
	entries := cert.Entries()
	if string(entries[0].Signature) != "sig-1" {
		t.Fatalf("expected first-seen signature to win, got %q", entries[0].Signature)
	}
}

func TestBlock_HashDeterministicAndChains(t *testing.T) {
	proposer := sampleOrigin()
	genesis := NewBlock(0, ZeroHash, proposer, nil)
	genesis.Seal()

	if genesis.Header.PreviousHash != ZeroHash {
		t.Fatalf("expected genesis previous hash to be zero")
	}

	next := NewBlock(1, genesis.Header.Hash, proposer, nil)
	next.Seal()

	if next.Header.PreviousHash != genesis.Header.Hash {
		t.Fatalf("expected height 1 to chain to genesis hash")
	}

	recomputed := next.ComputeHash()
	if recomputed != next.Header.Hash {
		t.Fatalf("hash must be deterministic and reproducible")
	}
}
