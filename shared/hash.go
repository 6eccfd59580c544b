package shared

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/minio/sha256-simd" // simd optimized sha256 computation
)

const digestCacheSize = 1 << 10

// Hasher computes the content identity of a component's compiled code.
// It must be deterministic and collision-resistant for whitelist
// security to hold.
type Hasher interface {
	Sum(code []byte) Digest
}

type sha256Hasher struct {
	cache *lru.Cache
}

// NewHasher returns the default code hasher. Digests of recently queried
// code blobs are memoized since callers tend to query the same component
// repeatedly while getting it whitelisted.
func NewHasher() Hasher {
	// lru.New only fails on a non-positive size.
	cache, _ := lru.New(digestCacheSize)
	return &sha256Hasher{cache: cache}
}

func (h *sha256Hasher) Sum(code []byte) Digest {
	key := string(code)
	if cached, ok := h.cache.Get(key); ok {
		return cached.(Digest)
	}
	digest := Digest(sha256.Sum256(code))
	h.cache.Add(key, digest)
	return digest
}
