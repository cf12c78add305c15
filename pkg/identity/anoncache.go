// Package identity provides deterministic derivation of ephemeral
// identities from user-supplied labels, cached with a TTL bound.
// Singleflight collapses concurrent derivations of the same label into
// one computation.
package identity

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

// DefaultCapacity and DefaultIdleTTL bound the anon-identity cache.
const (
	DefaultCapacity = 100_000
	DefaultIdleTTL  = 3600 * time.Second
)

// AnonCache derives Identity secrets from opaque string labels via
// BLAKE3(label), caching the derivation (not for correctness — derivation
// is a pure function — but to avoid repeated key-stretching work).
type AnonCache struct {
	cache *lru.LRU[string, fingerprint.IdentitySecret]
	group singleflight.Group
}

// New constructs an AnonCache with the given capacity and idle TTL.
func New(capacity int, idleTTL time.Duration) *AnonCache {
	return &AnonCache{
		cache: lru.NewLRU[string, fingerprint.IdentitySecret](capacity, nil, idleTTL),
	}
}

// NewDefault constructs an AnonCache with the default bounds.
func NewDefault() *AnonCache {
	return New(DefaultCapacity, DefaultIdleTTL)
}

// Get returns the cached or freshly derived identity for label. Concurrent
// callers requesting the same label observe a single derivation.
func (c *AnonCache) Get(label string) fingerprint.IdentitySecret {
	if id, ok := c.cache.Get(label); ok {
		// Re-adding renews the entry's expiry, so the TTL counts idle time.
		c.cache.Add(label, id)
		return id
	}
	v, _, _ := c.group.Do(label, func() (interface{}, error) {
		if id, ok := c.cache.Get(label); ok {
			return id, nil
		}
		seed := blake3.Sum256([]byte(label))
		id := fingerprint.FromSeed(seed[:])
		c.cache.Add(label, id)
		return id, nil
	})
	return v.(fingerprint.IdentitySecret)
}
