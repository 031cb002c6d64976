package limits

import "sync"

// ConcurrencyLimiter tracks in-flight work per key. Acquire and Release must
// be paired; the gateway releases on every exit path.
type ConcurrencyLimiter struct {
	mu       sync.Mutex
	inflight map[string]int
}

// NewConcurrencyLimiter creates an empty limiter.
func NewConcurrencyLimiter() *ConcurrencyLimiter {
	return &ConcurrencyLimiter{inflight: make(map[string]int)}
}

// Acquire increments the in-flight count for key if it is below max.
func (c *ConcurrencyLimiter) Acquire(key string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] >= max {
		return false
	}
	c.inflight[key]++
	return true
}

// Release decrements the count, clamped at zero. The entry is removed when
// it reaches zero so idle keys do not accumulate.
func (c *ConcurrencyLimiter) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.inflight[key]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		delete(c.inflight, key)
		return
	}
	c.inflight[key] = n
}

// Inflight reports the current count for key. Test hook.
func (c *ConcurrencyLimiter) Inflight(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[key]
}
