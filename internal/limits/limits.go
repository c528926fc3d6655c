// Package limits enforces per-connection resource caps on the query
// cache: how many tokens a single connection may hold open at once.
package limits

import (
	"sync"
	"sync/atomic"
)

// Config holds query cache resource limits (0 = unlimited).
type Config struct {
	MaxOpenTokensPerConn int // Max concurrently open (START/STREAM) tokens per connection
	MaxBatchSize         int // Cap on a client-requested batch_size optarg
}

// ConcurrencyLimiter enforces MaxOpenTokensPerConn. One limiter is
// shared across every connection on the server; each connection is
// tracked under its own key.
type ConcurrencyLimiter struct {
	limit  int
	counts sync.Map // connID (string) -> *int32
}

// NewConcurrencyLimiter creates a limiter. limit 0 means unlimited
// (TryAcquire always succeeds).
func NewConcurrencyLimiter(limit int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{limit: limit}
}

// TryAcquire increments the open-token count for connID. It returns
// false if doing so would exceed the limit, in which case the caller
// should reject the QUERY_START with a CLIENT_ERROR rather than insert
// an entry. On success, the caller must call Release(connID) exactly
// once when the corresponding token leaves the cache (reaches
// DELETING).
func (c *ConcurrencyLimiter) TryAcquire(connID string) bool {
	if c.limit <= 0 {
		return true
	}
	val, _ := c.counts.LoadOrStore(connID, ptr32(0))
	counter := val.(*int32)
	n := atomic.AddInt32(counter, 1)
	if n > int32(c.limit) {
		atomic.AddInt32(counter, -1)
		return false
	}
	return true
}

// Release decrements the open-token count for connID.
func (c *ConcurrencyLimiter) Release(connID string) {
	if c.limit <= 0 {
		return
	}
	val, ok := c.counts.Load(connID)
	if !ok {
		return
	}
	atomic.AddInt32(val.(*int32), -1)
}

// Forget drops connID's counter entirely, called once a connection
// closes so the sync.Map doesn't accumulate an entry per
// long-disconnected client.
func (c *ConcurrencyLimiter) Forget(connID string) {
	c.counts.Delete(connID)
}

func ptr32(n int32) *int32 {
	return &n
}
