package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

type Collector struct {
	totalRequests   uint64
	errorRequests   uint64
	rateLimited     uint64
	totalDurationMs uint64

	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
}

func New() *Collector {
	return &Collector{counters: map[string]*atomic.Uint64{}}
}

func (c *Collector) Record(status int, duration time.Duration) {
	atomic.AddUint64(&c.totalRequests, 1)
	if status >= 500 {
		atomic.AddUint64(&c.errorRequests, 1)
	}
	if status == 429 {
		atomic.AddUint64(&c.rateLimited, 1)
	}
	atomic.AddUint64(&c.totalDurationMs, uint64(duration.Milliseconds()))
}

// Inc bumps a named domain counter, creating it on first use.
func (c *Collector) Inc(name string) {
	c.mu.RLock()
	ctr, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if ctr, ok = c.counters[name]; !ok {
			ctr = &atomic.Uint64{}
			c.counters[name] = ctr
		}
		c.mu.Unlock()
	}
	ctr.Add(1)
}

func (c *Collector) Count(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr.Load()
	}
	return 0
}

func (c *Collector) Snapshot() map[string]any {
	total := atomic.LoadUint64(&c.totalRequests)
	errs := atomic.LoadUint64(&c.errorRequests)
	limited := atomic.LoadUint64(&c.rateLimited)
	totalMs := atomic.LoadUint64(&c.totalDurationMs)
	avg := float64(0)
	if total > 0 {
		avg = float64(totalMs) / float64(total)
	}

	counters := map[string]uint64{}
	c.mu.RLock()
	for name, ctr := range c.counters {
		counters[name] = ctr.Load()
	}
	c.mu.RUnlock()

	return map[string]any{
		"requestsTotal":    total,
		"errorsTotal":      errs,
		"rateLimitedTotal": limited,
		"avgDurationMs":    avg,
		"totalDurationMs":  totalMs,
		"counters":         counters,
	}
}
