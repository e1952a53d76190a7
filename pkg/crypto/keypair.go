// Package crypto provides Ed25519 signing and the canonical, deterministic
// encoding ephemera signs over. No component outside this package touches
// an ed25519.PrivateKey directly.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// PeerId uniquely identifies a participant. It is derived from the public
// key by hashing, so its width does not depend on the underlying key scheme.
type PeerId [32]byte

func (p PeerId) String() string {
	return hex.EncodeToString(p[:])
}

// Less orders peer ids lexicographically, used to make topology snapshots
// and certificate sets deterministic.
func (p PeerId) Less(other PeerId) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

func derivePeerId(public ed25519.PublicKey) PeerId {
	return sha256.Sum256(public)
}

// Keypair is an Ed25519 signing identity. Once constructed it is immutable
// and safe to share by reference across every component that needs to sign
// or identify the local node.
type Keypair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	peerID  PeerId
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		public:  public,
		private: private,
		peerID:  derivePeerId(public),
	}, nil
}

// KeypairFromSeed reconstructs a keypair from a 32-byte seed, used when
// loading a configured private key.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("crypto: seed must be 32 bytes")
	}
	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)
	return &Keypair{
		public:  public,
		private: private,
		peerID:  derivePeerId(public),
	}, nil
}

// PublicKeyFromBytes wraps a raw public key for signature verification of
// remote peers, without needing their private key.
func PublicKeyFromBytes(b []byte) (ed25519.PublicKey, PeerId, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, PeerId{}, errors.New("crypto: public key must be 32 bytes")
	}
	pk := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pk, b)
	return pk, derivePeerId(pk), nil
}

// PeerId returns the identity derived from this keypair's public key.
func (k *Keypair) PeerId() PeerId {
	return k.peerID
}

// PublicKey returns the raw public key bytes.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.public
}

// Sign produces a signature over the given bytes. Callers pass either the
// canonical encoding produced by EncodeSigningPayload or a fixed-width
// digest (a message digest or block hash), never an ad-hoc serialization.
func (k *Keypair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.private, payload)
}

// Verify checks a signature against an arbitrary public key.
func Verify(public ed25519.PublicKey, payload, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, payload, signature)
}
