// Package discovery keeps the remote receiver cache current without ever
// leaking the discovery library's listeners into the daemon: every cycle
// runs in a short-lived worker process whose exit is the cleanup.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/hackerspacegent/canvasd/internal/domain"
)

// Cache holds discovered receivers keyed by device ID. Entries past the
// TTL are invalid for selection but survive until a later cycle refreshes
// them, so a briefly offline device is not instantly forgotten.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]domain.Device
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: map[string]domain.Device{},
	}
}

// Merge folds one cycle's results into the cache, refreshing DiscoveredAt
// per device. Devices absent from the cycle are left untouched.
func (c *Cache) Merge(found []domain.Device, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range found {
		dev.DiscoveredAt = now
		c.entries[dev.ID] = dev
	}
}

// Fresh returns the devices still inside the TTL, sorted by name for
// stable listings.
func (c *Cache) Fresh(now time.Time) []domain.Device {
	return c.filter(now, false)
}

// All returns every cached device, including stale ones, for display.
func (c *Cache) All(now time.Time) []domain.Device {
	return c.filter(now, true)
}

func (c *Cache) filter(now time.Time, includeStale bool) []domain.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Device, 0, len(c.entries))
	for _, dev := range c.entries {
		if !includeStale && c.isStale(dev, now) {
			continue
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get looks up a fresh device by ID; stale entries report not found.
func (c *Cache) Get(id string, now time.Time) (domain.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.entries[id]
	if !ok || c.isStale(dev, now) {
		return domain.Device{}, false
	}
	return dev, true
}

// IsStale reports whether the cached entry for id is past the TTL.
func (c *Cache) IsStale(id string, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.entries[id]
	return ok && c.isStale(dev, now)
}

func (c *Cache) isStale(dev domain.Device, now time.Time) bool {
	return now.Sub(dev.DiscoveredAt) > c.ttl
}
