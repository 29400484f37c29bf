package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustins/tradr/internal/model"
)

// Clock is the logical exchange clock driven by heartbeat times. It never
// moves backwards.
type Clock struct {
	nanos atomic.Int64
}

// Advance moves the clock to t if t is later than the current time and
// reports whether it moved.
func (c *Clock) Advance(t time.Time) bool {
	n := t.UnixNano()
	for {
		cur := c.nanos.Load()
		if n <= cur {
			return false
		}
		if c.nanos.CompareAndSwap(cur, n) {
			return true
		}
	}
}

// Now returns the clock time, or the zero time before the first heartbeat.
func (c *Clock) Now() time.Time {
	n := c.nanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// TickerCache keeps the latest ticker per product.
type TickerCache struct {
	mu      sync.RWMutex
	tickers map[string]model.Ticker
}

// NewTickerCache returns an empty cache.
func NewTickerCache() *TickerCache {
	return &TickerCache{tickers: make(map[string]model.Ticker)}
}

// Put stores t unless a ticker with a higher sequence is already cached.
func (c *TickerCache) Put(t model.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.tickers[t.ProductID]; ok && cur.Sequence > t.Sequence {
		return
	}
	c.tickers[t.ProductID] = t
}

// Get returns the latest ticker of a product.
func (c *TickerCache) Get(productID string) (model.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[productID]
	return t, ok
}

// Products returns the cached products, sorted.
func (c *TickerCache) Products() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tickers))
	for p := range c.tickers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
