package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davidbz/quillgate/internal/maintenance"
	"github.com/davidbz/quillgate/internal/observability"
)

const defaultCacheMaxEntries = 1000

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled       bool
	TTLMinutes    int
	MaxEntries    int
	SweepInterval time.Duration // zero disables the background sweep
}

// CacheEntry is one stored completion.
type CacheEntry struct {
	Key          string
	Text         string
	Provider     string
	Model        string
	Tokens       int
	Cost         float64
	FinishReason string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Hits         int64

	seq uint64
}

// CacheOption customizes an InMemoryResponseCache.
type CacheOption func(*InMemoryResponseCache)

// WithCacheClock overrides the time source.
func WithCacheClock(clock Clock) CacheOption {
	return func(c *InMemoryResponseCache) {
		c.now = clock
	}
}

// InMemoryResponseCache is a bounded, TTL-expiring exact-match cache.
type InMemoryResponseCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	config  CacheConfig
	hits    int64
	misses  int64
	savings float64
	seq     uint64
	now     Clock
	janitor *maintenance.Janitor
}

// NewInMemoryResponseCache creates the cache and starts its expiry sweep.
func NewInMemoryResponseCache(config CacheConfig, opts ...CacheOption) (*InMemoryResponseCache, error) {
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaultCacheMaxEntries
	}

	c := &InMemoryResponseCache{
		entries: make(map[string]*CacheEntry),
		config:  config,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.SweepInterval > 0 {
		c.janitor = maintenance.NewJanitor("response_cache")
		if err := c.janitor.Every(config.SweepInterval, "clear_expired", func() {
			if removed := c.ClearExpired(); removed > 0 {
				observability.FromContext(context.Background()).Debug("expired cache entries removed",
					observability.Int("removed", removed))
			}
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule cache sweep: %w", err)
		}
		c.janitor.Start()
	}

	return c, nil
}

// Key derives the cache key. Prompts are trimmed and lowercased and the
// temperature is rounded to one decimal, so near-identical requests collide.
func Key(prompt, provider, model string, temperature float64) string {
	normalized := strings.ToLower(strings.TrimSpace(prompt))
	rounded := math.Round(temperature*10) / 10

	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.1f|%s", provider, model, rounded, normalized)))
	return "resp:" + hex.EncodeToString(hash[:])
}

// Enabled reports whether caching is globally on.
func (c *InMemoryResponseCache) Enabled() bool {
	return c.config.Enabled
}

// TTLMinutes returns the configured entry lifetime.
func (c *InMemoryResponseCache) TTLMinutes() int {
	return c.config.TTLMinutes
}

// Get returns a snapshot of a live entry. An expired entry is removed and
// reported as a miss.
func (c *InMemoryResponseCache) Get(prompt, provider, model string, temperature float64) (*CacheEntry, bool) {
	key := Key(prompt, provider, model, temperature)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	entry.Hits++
	c.hits++
	c.savings += entry.Cost

	snapshot := *entry
	return &snapshot, true
}

// Set inserts or overwrites an entry, then evicts down to MaxEntries.
// A negative ttlMinutes falls back to the configured TTL.
func (c *InMemoryResponseCache) Set(
	prompt string,
	resp *CompletionResponse,
	provider, model string,
	tokens int,
	cost float64,
	ttlMinutes int,
	temperature float64,
) {
	if resp == nil {
		return
	}
	if ttlMinutes < 0 {
		ttlMinutes = c.config.TTLMinutes
	}

	key := Key(prompt, provider, model, temperature)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.seq++
	c.entries[key] = &CacheEntry{
		Key:          key,
		Text:         resp.Text,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Tokens:       tokens,
		Cost:         cost,
		FinishReason: resp.FinishReason,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(ttlMinutes) * time.Minute),
		Hits:         0,
		seq:          c.seq,
	}

	c.evictLocked()
}

// evictLocked removes the least-hit, oldest entries until the cap holds.
// Caller must hold mu.
func (c *InMemoryResponseCache) evictLocked() {
	overflow := len(c.entries) - c.config.MaxEntries
	if overflow <= 0 {
		return
	}

	candidates := make([]*CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		candidates = append(candidates, entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Hits != b.Hits {
			return a.Hits < b.Hits
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})

	for _, entry := range candidates[:overflow] {
		delete(c.entries, entry.Key)
	}
}

// ClearExpired removes every entry whose expiry has passed.
func (c *InMemoryResponseCache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

// Stats returns cache performance metrics.
func (c *InMemoryResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return CacheStats{
		Entries:           len(c.entries),
		Hits:              c.hits,
		Misses:            c.misses,
		HitRate:           hitRate,
		CumulativeSavings: RoundCost(c.savings),
	}
}

// Close stops the background sweep.
func (c *InMemoryResponseCache) Close(ctx context.Context) error {
	if c.janitor == nil {
		return nil
	}
	return c.janitor.Stop(ctx)
}
