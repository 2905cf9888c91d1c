// Copyright (c) 2024 the ZDT-D authors.

package forwarder

import (
	"time"

	"github.com/opencoff/go-sieve"
)

// ResponseCache is the optional HTTP response cache collaborator: GET
// responses cached keyed by (host, path). HandleTCP does not consult a
// ResponseCache, and nothing in this repository constructs one, so no
// client request is answered from it.
type ResponseCache interface {
	Get(host, path string) (CachedResponse, bool)
	Put(host, path string, resp CachedResponse)
	Invalidate(host, path string)
}

// CachedResponse is the minimal HTTP response shape cached for replay.
type CachedResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	StoredAt   time.Time
	TTL        time.Duration
}

func (c CachedResponse) expired() bool {
	return c.TTL > 0 && time.Since(c.StoredAt) > c.TTL
}

func cacheKey(host, path string) string { return host + path }

// sieveCache backs ResponseCache with a SIEVE-eviction byte cache
//, bounded by entry count rather than
// raw bytes since response sizes vary widely across sites.
type sieveCache struct {
	s *sieve.Sieve[string, CachedResponse]
}

// NewSieveCache returns a ResponseCache bounded to maxEntries.
func NewSieveCache(maxEntries int) ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &sieveCache{s: sieve.New[string, CachedResponse](maxEntries)}
}

func (c *sieveCache) Get(host, path string) (CachedResponse, bool) {
	v, ok := c.s.Get(cacheKey(host, path))
	if !ok || v.expired() {
		return CachedResponse{}, false
	}
	return v, true
}

func (c *sieveCache) Put(host, path string, resp CachedResponse) {
	c.s.Add(cacheKey(host, path), resp)
}

func (c *sieveCache) Invalidate(host, path string) {
	c.s.Remove(cacheKey(host, path))
}

// noopCache is a ResponseCache in which every lookup misses and every
// store is discarded. --enhanced-cache does not select between it and
// sieveCache.
type noopCache struct{}

// NewNoopCache returns a ResponseCache that never retains anything.
func NewNoopCache() ResponseCache { return noopCache{} }

func (noopCache) Get(host, path string) (CachedResponse, bool) { return CachedResponse{}, false }
func (noopCache) Put(host, path string, resp CachedResponse)   {}
func (noopCache) Invalidate(host, path string)                 {}
