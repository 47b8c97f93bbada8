package cache

import (
	"golang.org/x/sync/singleflight"
)

// Coalescer deduplicates concurrent fetches for the same cache key so a
// burst of identical requests arriving during a cache miss triggers exactly
// one upstream call instead of one per request — the same request-coalescing
// role golang.org/x/sync/singleflight plays in distributed cache-manager
// designs, applied here to the gateway's provider-call-on-miss path.
type Coalescer struct {
	group singleflight.Group
}

// NewCoalescer creates an empty Coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Do executes fetch for key, sharing the in-flight call (and its result)
// across all concurrent callers using the same key. shared reports whether
// this caller received a result computed by another goroutine's call.
func (c *Coalescer) Do(key string, fetch func() (any, error)) (v any, shared bool, err error) {
	v, err, shared = c.group.Do(key, fetch)
	return v, shared, err
}
