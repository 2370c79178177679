// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package whitelist decides whether a source address is trusted.
package whitelist

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/logging"
)

// DefaultRefreshInterval is how often the store entries are re-read.
const DefaultRefreshInterval = 10 * time.Second

// ProviderPrefixes are always trusted (Google front ends).
var ProviderPrefixes = []netip.Prefix{
	netip.MustParsePrefix("142.250.0.0/15"),
}

// Source supplies the persisted whitelist.
type Source interface {
	GetWhitelist(ctx context.Context) (map[string]struct{}, error)
}

// Cache is the union of static entries, store entries and entries added at
// runtime. It is safe for concurrent use.
type Cache struct {
	source   Source
	interval time.Duration
	clock    clock.Clock
	logger   *logging.Logger

	static map[string]struct{}

	mu          sync.RWMutex
	stored      map[string]struct{} // last known good
	added       map[string]struct{}
	lastRefresh time.Time
	loaded      bool

	refreshMu sync.Mutex
}

// New creates a cache. A nil source yields a static-only cache.
func New(static []string, source Source, interval time.Duration, clk clock.Clock, logger *logging.Logger) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if clk == nil {
		clk = clock.Real
	}
	if logger == nil {
		logger = logging.WithComponent("whitelist")
	}

	c := &Cache{
		source:   source,
		interval: interval,
		clock:    clk,
		logger:   logger,
		static:   make(map[string]struct{}, len(static)),
		stored:   make(map[string]struct{}),
		added:    make(map[string]struct{}),
	}
	for _, ip := range static {
		c.static[normalize(ip)] = struct{}{}
	}
	return c
}

// IsWhitelisted reports whether ip is trusted, refreshing the store entries
// first when the refresh interval has elapsed.
func (c *Cache) IsWhitelisted(ctx context.Context, ip string) bool {
	c.maybeRefresh(ctx)

	key := normalize(ip)
	if inProviderPrefix(key) {
		return true
	}
	if _, ok := c.static[key]; ok {
		return true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.stored[key]; ok {
		return true
	}
	_, ok := c.added[key]
	return ok
}

// Add trusts ip immediately, without waiting for the next refresh.
func (c *Cache) Add(ip string) {
	c.mu.Lock()
	c.added[normalize(ip)] = struct{}{}
	c.mu.Unlock()
}

// Len returns the number of distinct entries, excluding provider prefixes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.static)
	for ip := range c.stored {
		if _, ok := c.static[ip]; !ok {
			n++
		}
	}
	for ip := range c.added {
		_, s := c.static[ip]
		_, d := c.stored[ip]
		if !s && !d {
			n++
		}
	}
	return n
}

// Refresh re-reads the store entries now. On failure the previous entries
// are kept.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refresh(ctx)
}

func (c *Cache) maybeRefresh(ctx context.Context) {
	c.mu.RLock()
	due := c.clock.Now().Sub(c.lastRefresh) > c.interval
	c.mu.RUnlock()
	if !due {
		return
	}

	// One refresher at a time; the others use the current entries.
	if !c.refreshMu.TryLock() {
		return
	}
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	due = c.clock.Now().Sub(c.lastRefresh) > c.interval
	c.mu.RUnlock()
	if due {
		_ = c.refresh(ctx)
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	now := c.clock.Now()
	if c.source == nil {
		c.mu.Lock()
		c.lastRefresh = now
		c.mu.Unlock()
		return nil
	}

	entries, err := c.source.GetWhitelist(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = now

	if err != nil {
		if c.loaded {
			c.logger.Warn("Whitelist refresh failed, keeping previous entries", "error", err, "entries", len(c.stored))
		} else {
			c.logger.Warn("Whitelist refresh failed, only static entries are active", "error", err)
		}
		return err
	}

	stored := make(map[string]struct{}, len(entries))
	for ip := range entries {
		stored[normalize(ip)] = struct{}{}
	}
	c.stored = stored
	c.loaded = true
	c.logger.Debug("Whitelist refreshed", "entries", len(stored))
	return nil
}

func normalize(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

func inProviderPrefix(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range ProviderPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
