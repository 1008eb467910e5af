// Package cache holds small in-memory caches shared by the ingress path.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Dedupe remembers recently seen keys for a TTL. Channel adapters use it
// to drop webhook redeliveries of the same message ID.
type Dedupe struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

// NewDedupe creates a dedupe set. Zero ttl defaults to 5 minutes, zero
// maxSize to 10000 entries.
func NewDedupe(ttl time.Duration, maxSize int) *Dedupe {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Dedupe{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether key was recorded within the TTL, recording it
// either way. The first call for a key returns false.
func (d *Dedupe) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if elem, ok := d.entries[key]; ok {
		entry := elem.Value.(*dedupeEntry)
		if now.Sub(entry.seen) < d.ttl {
			return true
		}
		entry.seen = now
		d.order.MoveToBack(elem)
		return false
	}

	for d.order.Len() >= d.maxSize {
		oldest := d.order.Front()
		delete(d.entries, oldest.Value.(*dedupeEntry).key)
		d.order.Remove(oldest)
	}
	d.entries[key] = d.order.PushBack(&dedupeEntry{key: key, seen: now})
	return false
}

// Len returns the number of tracked keys, expired ones included.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
