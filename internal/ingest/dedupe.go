package ingest

import (
	"sync"
	"time"

	"amews/internal/model"
)

// DedupeCache drops events replayed within the dedupe window. Keys are
// event IDs, which upstream producers reuse on redelivery.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(ev model.AuthEvent, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[ev.EventID]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[ev.EventID] = now
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}
