package syncserver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ScopeCache is the optional shared backend behind the scope resolver:
// memory with LRU+TTL, or a DB-backed implementation with TTL rows. The
// resolver always applies request-local memoization in front of this.
type ScopeCache interface {
	Get(key string) (ScopeValues, bool)
	Set(key string, values ScopeValues, ttl time.Duration)
}

// MemoryScopeCache is an in-process LRU+TTL ScopeCache, keyed by DB handle
// per the "process-wide state" design note — callers construct one per
// process/database and share it across requests.
type MemoryScopeCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*scopeCacheEntry
	order    []string // LRU order, oldest first
}

type scopeCacheEntry struct {
	values    ScopeValues
	expiresAt time.Time
}

// NewMemoryScopeCache builds a bounded scope cache holding up to capacity
// entries, evicting the least-recently-used on overflow.
func NewMemoryScopeCache(capacity int) *MemoryScopeCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryScopeCache{capacity: capacity, entries: make(map[string]*scopeCacheEntry)}
}

func (c *MemoryScopeCache) Get(key string) (ScopeValues, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return nil, false
	}
	c.touch(key)
	return e.values, true
}

func (c *MemoryScopeCache) Set(key string, values ScopeValues, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.entries[key] = &scopeCacheEntry{values: values, expiresAt: time.Now().Add(ttl)}
	c.touch(key)
}

func (c *MemoryScopeCache) touch(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

func (c *MemoryScopeCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// ScopeResolver resolves an actor's allowed scopes for a table, memoizing
// per request (so N subscriptions over the same table in one pull request
// call the handler once) and optionally consulting a shared ScopeCache.
// Concurrent identical resolutions (same partition/actor/table) are
// collapsed via singleflight so a cache-miss stampede only calls the
// handler once.
type ScopeResolver struct {
	registry *Registry
	cache    ScopeCache
	cacheTTL time.Duration

	sf       singleflight.Group
	localMu  sync.Mutex
	local    map[string]ScopeValues
}

// NewScopeResolver builds a resolver. cache may be nil to disable the
// shared layer (request-local memoization alone still applies).
func NewScopeResolver(registry *Registry, cache ScopeCache, cacheTTL time.Duration) *ScopeResolver {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &ScopeResolver{registry: registry, cache: cache, cacheTTL: cacheTTL, local: make(map[string]ScopeValues)}
}

func scopeCacheKey(partitionID string, actor Actor, table string) string {
	return partitionID + "\x00" + actor.ID + "\x00" + table
}

// Resolve returns the actor's allowed ScopeValues for table, using
// request-local memoization first, then the shared cache, then the
// handler's ResolveScopes.
func (r *ScopeResolver) Resolve(ctx context.Context, partitionID string, actor Actor, table string) (ScopeValues, error) {
	key := scopeCacheKey(partitionID, actor, table)

	r.localMu.Lock()
	if v, ok := r.local[key]; ok {
		r.localMu.Unlock()
		return v, nil
	}
	r.localMu.Unlock()

	v, err, _ := r.sf.Do(key, func() (any, error) {
		if r.cache != nil {
			if cached, ok := r.cache.Get(key); ok {
				return cached, nil
			}
		}

		handler, err := r.registry.Lookup(table)
		if err != nil {
			return nil, err
		}
		if handler.ResolveScopes == nil {
			return ScopeValues{}, nil
		}
		resolved, err := handler.ResolveScopes(ctx, actor)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			r.cache.Set(key, resolved, r.cacheTTL)
		}
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	resolved := v.(ScopeValues)

	r.localMu.Lock()
	r.local[key] = resolved
	r.localMu.Unlock()

	return resolved, nil
}

// ResetLocal clears request-local memoization; call once per pull request.
func (r *ScopeResolver) ResetLocal() {
	r.localMu.Lock()
	r.local = make(map[string]ScopeValues)
	r.localMu.Unlock()
}

// IntersectScopes computes the effective scope values a subscription may
// see: per key present in both requested and allowed, intersect value
// sets, treating an allowed "*" as "any requested value" (§4.2 step 2).
// Returns ok=false if the overall intersection is empty.
func IntersectScopes(requested, allowed ScopeValues) (effective ScopeValues, ok bool) {
	if len(requested) == 0 {
		return ScopeValues{}, len(allowed) == 0
	}

	effective = make(ScopeValues, len(requested))
	for key, reqValues := range requested {
		allowedValues, present := allowed[key]
		if !present {
			return nil, false
		}
		if containsWildcard(allowedValues) {
			effective[key] = reqValues
			continue
		}
		inter := intersect(reqValues, allowedValues)
		if len(inter) == 0 {
			return nil, false
		}
		effective[key] = inter
	}
	return effective, true
}

func containsWildcard(values []string) bool {
	for _, v := range values {
		if v == "*" {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}
