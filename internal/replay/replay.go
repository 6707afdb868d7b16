// Package replay implements the bounded, TTL'd set of recently-seen
// envelope ids that suppresses duplicate delivery across reconnects (C3).
// Grounded on the teleport QUIC peer server's replayStore (current/previous
// bucket rotation), generalized here to exact per-id TTL with lazy sweep,
// since AXON's replay window must honor individual is_replay queries
// precisely rather than only within a coarse bucket boundary.
package replay

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axon-project/axond/internal/daemonerr"
)

// Cache is a thread-safe, TTL'd set of envelope ids.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uuid.UUID]time.Time // id -> first_seen
}

// New constructs a Cache with the given TTL (spec.md §3 default: ~5m).
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[uuid.UUID]time.Time)}
}

// IsReplay records id and returns true iff it was already present and has
// not yet expired. Expired entries encountered along the way are swept
// lazily, per spec.md §4.3.
func (c *Cache) IsReplay(id uuid.UUID, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(now)

	if _, ok := c.entries[id]; ok {
		return true
	}
	c.entries[id] = now
	return false
}

func (c *Cache) sweepLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for id, seen := range c.entries {
		if seen.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}

type persistedEntry struct {
	ID        uuid.UUID `json:"id"`
	FirstSeen int64     `json:"first_seen_unix_ms"`
}

// Save writes a best-effort snapshot of unexpired entries to path.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	now := time.Now()
	c.sweepLocked(now)
	out := make([]persistedEntry, 0, len(c.entries))
	for id, seen := range c.entries {
		out = append(out, persistedEntry{ID: id, FirstSeen: seen.UnixMilli()})
	}
	c.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeInternal, "marshal replay cache", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Load restores a previously saved snapshot, dropping anything already
// expired under ttl. A missing file is not an error: the cache simply
// starts empty.
func Load(path string, ttl time.Duration) (*Cache, error) {
	c := New(ttl)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeInternal, "read replay cache", err)
	}

	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeInternal, "parse replay cache", err)
	}

	now := time.Now()
	cutoff := now.Add(-ttl)
	for _, e := range entries {
		seen := time.UnixMilli(e.FirstSeen)
		if seen.After(cutoff) {
			c.entries[e.ID] = seen
		}
	}
	return c, nil
}
