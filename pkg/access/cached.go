package access

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a decision is reused when no TTL is configured.
const DefaultCacheTTL = 5 * time.Second

type cacheKey struct {
	userID  string
	boardID string
}

type cacheEntry struct {
	level   Level
	expires time.Time
}

// Cached memoizes decisions from another Authorizer for a short TTL, keeping
// the relay hot path off the backing store. Errors are never cached.
type Cached struct {
	next Authorizer
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// CachedOption configures a Cached authorizer.
type CachedOption func(*Cached)

// WithTTL sets how long a decision stays valid.
func WithTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) CachedOption {
	return func(c *Cached) {
		c.now = now
	}
}

// NewCached wraps next with a TTL cache.
func NewCached(next Authorizer, opts ...CachedOption) *Cached {
	c := &Cached{
		next:    next,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Access returns a cached decision if still fresh, otherwise asks the
// wrapped authorizer.
func (c *Cached) Access(ctx context.Context, userID, boardID string) (Level, error) {
	key := cacheKey{userID: userID, boardID: boardID}
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.level, nil
	}
	c.mu.Unlock()

	level, err := c.next.Access(ctx, userID, boardID)
	if err != nil {
		return NoAccess, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{level: level, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return level, nil
}

// Invalidate drops every cached decision for a board, for example after its
// collaborator list changed.
func (c *Cached) Invalidate(boardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.boardID == boardID {
			delete(c.entries, k)
		}
	}
}

// Prune removes expired decisions.
func (c *Cached) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
