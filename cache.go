package grantry

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheKey identifies a cacheable check: a principal, its normalized code
// set (ADMIN included when the admin policy added it) and the strict flag.
// Only unscoped checks are cached, so the arg is not part of the key.
type CacheKey struct {
	Principal PrincipalID
	// Codes is the code set in EncodeCodes form.
	Codes  string
	Strict bool
}

// NewCacheKey builds the key for an unscoped check of codes.
func NewCacheKey(principal PrincipalID, codes []Code, strict bool) CacheKey {
	return CacheKey{Principal: principal, Codes: EncodeCodes(codes), Strict: strict}
}

// EncodeCodes renders codes as length-prefixed items ("5:ADMIN1:X"). Codes are
// free-form, so no separator character alone can keep two sets apart.
func EncodeCodes(codes []Code) string {
	var b strings.Builder
	for _, c := range codes {
		b.WriteString(strconv.Itoa(len(c)))
		b.WriteByte(':')
		b.WriteString(string(c))
	}
	return b.String()
}

// Cache memoizes decisions and principal group lists.
//
// Every cache carries a generation counter that InvalidateAll advances.
// Writers read Generation before computing a value and pass it to Set; an
// implementation must drop the write if the generation has moved since.
// That keeps a decision computed against old data from being inserted after
// an invalidation completed.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	// Generation returns the current generation. An error means the cache
	// cannot take writes right now; callers skip caching.
	Generation(ctx context.Context) (uint64, error)

	// Get returns a cached decision.
	Get(ctx context.Context, key CacheKey) (Decision, bool)

	// Set stores a decision computed under generation gen.
	Set(ctx context.Context, key CacheKey, d Decision, gen uint64)

	// GetGroups returns a cached group list for principal.
	GetGroups(ctx context.Context, principal PrincipalID) ([]GroupID, bool)

	// SetGroups stores a group list computed under generation gen.
	SetGroups(ctx context.Context, principal PrincipalID, groups []GroupID, gen uint64)

	// InvalidateAll drops every entry. There is no partial invalidation.
	InvalidateAll(ctx context.Context) error
}

type decisionEntry struct {
	decision  Decision
	expiresAt time.Time // zero means no expiry
}

type groupsEntry struct {
	groups    []GroupID
	expiresAt time.Time
}

// CacheImpl is the default in-memory cache with optional TTL. It uses a
// sync.RWMutex for goroutine safety and grows unbounded within its TTL
// window; use NewLRUCache for a size bound.
type CacheImpl struct {
	mu        sync.RWMutex
	gen       uint64
	decisions map[CacheKey]decisionEntry
	groups    map[PrincipalID]groupsEntry
	ttl       time.Duration // 0 means no expiry
}

// CacheOption configures a CacheImpl.
type CacheOption func(*CacheImpl)

// WithTTL sets the time-to-live for cache entries. Entries older than the TTL
// are re-checked. A TTL of 0 (default) keeps entries until InvalidateAll.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CacheImpl) {
		c.ttl = ttl
	}
}

// NewCache creates an in-memory cache scoped to the process.
func NewCache(opts ...CacheOption) *CacheImpl {
	c := &CacheImpl{
		decisions: make(map[CacheKey]decisionEntry),
		groups:    make(map[PrincipalID]groupsEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CacheImpl) expiry() time.Time {
	if c.ttl > 0 {
		return time.Now().Add(c.ttl)
	}
	return time.Time{}
}

func expired(t time.Time) bool {
	return !t.IsZero() && time.Now().After(t)
}

// Generation returns the current generation.
func (c *CacheImpl) Generation(context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen, nil
}

// Get returns a cached decision.
func (c *CacheImpl) Get(_ context.Context, key CacheKey) (Decision, bool) {
	c.mu.RLock()
	entry, ok := c.decisions[key]
	c.mu.RUnlock()

	if !ok {
		return Decision{}, false
	}
	if expired(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.decisions[key]; ok && expired(cur.expiresAt) {
			delete(c.decisions, key)
		}
		c.mu.Unlock()
		return Decision{}, false
	}
	return entry.decision, true
}

// Set stores a decision unless the generation moved.
func (c *CacheImpl) Set(_ context.Context, key CacheKey, d Decision, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.decisions[key] = decisionEntry{decision: d, expiresAt: c.expiry()}
}

// GetGroups returns a cached group list.
func (c *CacheImpl) GetGroups(_ context.Context, principal PrincipalID) ([]GroupID, bool) {
	c.mu.RLock()
	entry, ok := c.groups[principal]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if expired(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.groups[principal]; ok && expired(cur.expiresAt) {
			delete(c.groups, principal)
		}
		c.mu.Unlock()
		return nil, false
	}
	return append([]GroupID(nil), entry.groups...), true
}

// SetGroups stores a group list unless the generation moved.
func (c *CacheImpl) SetGroups(_ context.Context, principal PrincipalID, groups []GroupID, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.groups[principal] = groupsEntry{
		groups:    append([]GroupID(nil), groups...),
		expiresAt: c.expiry(),
	}
}

// InvalidateAll drops every entry and advances the generation.
func (c *CacheImpl) InvalidateAll(context.Context) error {
	c.mu.Lock()
	c.gen++
	c.decisions = make(map[CacheKey]decisionEntry)
	c.groups = make(map[PrincipalID]groupsEntry)
	c.mu.Unlock()
	return nil
}

// Size returns the number of cached decisions.
func (c *CacheImpl) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.decisions)
}

// LRUCache bounds the number of cached decisions and group lists. Entries
// are evicted least-recently-used first and expire after the TTL.
type LRUCache struct {
	// mu orders Set against InvalidateAll; the LRUs lock themselves.
	mu        sync.RWMutex
	gen       uint64
	decisions *lru.LRU[CacheKey, Decision]
	groups    *lru.LRU[PrincipalID, []GroupID]
}

// NewLRUCache creates a cache holding at most size decisions and size group
// lists. A ttl of 0 disables expiry.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUCache{
		decisions: lru.NewLRU[CacheKey, Decision](size, nil, ttl),
		groups:    lru.NewLRU[PrincipalID, []GroupID](size, nil, ttl),
	}
}

// Generation returns the current generation.
func (c *LRUCache) Generation(context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen, nil
}

// Get returns a cached decision.
func (c *LRUCache) Get(_ context.Context, key CacheKey) (Decision, bool) {
	return c.decisions.Get(key)
}

// Set stores a decision unless the generation moved.
func (c *LRUCache) Set(_ context.Context, key CacheKey, d Decision, gen uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if gen != c.gen {
		return
	}
	c.decisions.Add(key, d)
}

// GetGroups returns a cached group list.
func (c *LRUCache) GetGroups(_ context.Context, principal PrincipalID) ([]GroupID, bool) {
	groups, ok := c.groups.Get(principal)
	if !ok {
		return nil, false
	}
	return append([]GroupID(nil), groups...), true
}

// SetGroups stores a group list unless the generation moved.
func (c *LRUCache) SetGroups(_ context.Context, principal PrincipalID, groups []GroupID, gen uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if gen != c.gen {
		return
	}
	c.groups.Add(principal, append([]GroupID(nil), groups...))
}

// InvalidateAll purges both LRUs and advances the generation.
func (c *LRUCache) InvalidateAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.decisions.Purge()
	c.groups.Purge()
	return nil
}

// Len returns the number of cached decisions.
func (c *LRUCache) Len() int {
	return c.decisions.Len()
}

// NopCache caches nothing. Use it to make evaluation fully deterministic in
// tests or to disable caching through configuration.
type NopCache struct{}

func (NopCache) Generation(context.Context) (uint64, error) { return 0, nil }
func (NopCache) Get(context.Context, CacheKey) (Decision, bool) { return Decision{}, false }
func (NopCache) Set(context.Context, CacheKey, Decision, uint64) {}
func (NopCache) GetGroups(context.Context, PrincipalID) ([]GroupID, bool) { return nil, false }
func (NopCache) SetGroups(context.Context, PrincipalID, []GroupID, uint64) {}
func (NopCache) InvalidateAll(context.Context) error { return nil }

// Ensure implementations satisfy Cache.
var (
	_ Cache = (*CacheImpl)(nil)
	_ Cache = (*LRUCache)(nil)
	_ Cache = NopCache{}
)
