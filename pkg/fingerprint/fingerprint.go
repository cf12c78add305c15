// Package fingerprint defines node identities and the endpoints they address.
package fingerprint

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// Size is the byte length of a Fingerprint.
const Size = 20

// Fingerprint is a 20-byte identifier of a long-term identity public key.
// It is totally ordered via Less/Compare so it can key a sorted adjacency.
type Fingerprint [Size]byte

// FromBytes truncates or derives a Fingerprint from arbitrary input bytes.
// When len(b) == Size the bytes are taken verbatim (used by tests and by
// reply-block lookups); otherwise it is the BLAKE3 hash of b, truncated.
func FromBytes(b []byte) Fingerprint {
	var fp Fingerprint
	if len(b) == Size {
		copy(fp[:], b)
		return fp
	}
	h := blake3.Sum256(b)
	copy(fp[:], h[:Size])
	return fp
}

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Less reports whether f sorts before g under the total order required by
// adjacency descriptors (left < right).
func (f Fingerprint) Less(g Fingerprint) bool {
	for i := range f {
		if f[i] != g[i] {
			return f[i] < g[i]
		}
	}
	return false
}

// MarshalJSON renders the fingerprint as a hex string, so it reads the
// same over the wire as its String() form.
func (f Fingerprint) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON parses a hex string produced by MarshalJSON.
func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("fingerprint: invalid hex: %w", err)
	}
	if len(b) != Size {
		return fmt.Errorf("fingerprint: expected %d bytes, got %d", Size, len(b))
	}
	copy(f[:], b)
	return nil
}

// Compare returns -1, 0, or 1 comparing f to g.
func (f Fingerprint) Compare(g Fingerprint) int {
	switch {
	case f.Less(g):
		return -1
	case g.Less(f):
		return 1
	default:
		return 0
	}
}

// Dock is a demultiplexing port-like value on an identity.
type Dock uint32

// Endpoint addresses a dock on a specific identity.
type Endpoint struct {
	Fingerprint Fingerprint
	Dock        Dock
}

// String renders the endpoint as "fingerprint:dock".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Fingerprint, e.Dock)
}

// NewEndpoint constructs an Endpoint.
func NewEndpoint(fp Fingerprint, dock Dock) Endpoint {
	return Endpoint{Fingerprint: fp, Dock: dock}
}

// IdentityPublic is the public half of a node or anonymous identity.
type IdentityPublic struct {
	key ed25519.PublicKey
}

// Bytes returns the raw 32-byte Ed25519 public key.
func (p IdentityPublic) Bytes() []byte {
	return []byte(p.key)
}

// Fingerprint derives this public key's Fingerprint.
func (p IdentityPublic) Fingerprint() Fingerprint {
	return FromBytes(p.key)
}

// Verify checks a signature produced by the matching IdentitySecret.
func (p IdentityPublic) Verify(message, sig []byte) bool {
	if len(p.key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(p.key, message, sig)
}

// MarshalJSON renders the public key as a hex string.
func (p IdentityPublic) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(p.key))
}

// UnmarshalJSON parses a hex string produced by MarshalJSON.
func (p *IdentityPublic) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("fingerprint: invalid hex: %w", err)
	}
	pk, err := PublicFromBytes(b)
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// PublicFromBytes wraps a raw 32-byte Ed25519 public key.
func PublicFromBytes(b []byte) (IdentityPublic, error) {
	if len(b) != ed25519.PublicKeySize {
		return IdentityPublic{}, fmt.Errorf("fingerprint: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	key := make([]byte, ed25519.PublicKeySize)
	copy(key, b)
	return IdentityPublic{key: key}, nil
}

// IdentitySecret is the secret half of a node or anonymous identity.
type IdentitySecret struct {
	key ed25519.PrivateKey
}

// Generate creates a fresh random identity.
func Generate() (IdentitySecret, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IdentitySecret{}, fmt.Errorf("fingerprint: generate identity: %w", err)
	}
	return IdentitySecret{key: priv}, nil
}

// FromSeed deterministically derives an identity from a 32-byte seed. This is
// how anonymous identities are derived from BLAKE3(label) in pkg/identity.
func FromSeed(seed []byte) IdentitySecret {
	if len(seed) != ed25519.SeedSize {
		h := blake3.Sum256(seed)
		seed = h[:ed25519.SeedSize]
	}
	return IdentitySecret{key: ed25519.NewKeyFromSeed(seed)}
}

// Public returns the public half of this identity.
func (s IdentitySecret) Public() IdentityPublic {
	pub, ok := s.key.Public().(ed25519.PublicKey)
	if !ok {
		return IdentityPublic{}
	}
	return IdentityPublic{key: pub}
}

// Sign signs message with this identity's secret key.
func (s IdentitySecret) Sign(message []byte) []byte {
	return ed25519.Sign(s.key, message)
}

// IsZero reports whether this is the zero-value secret (unset).
func (s IdentitySecret) IsZero() bool {
	return len(s.key) == 0
}
