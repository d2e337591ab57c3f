// Package rediscache is a grantry.Cache shared by every process that points
// at the same Redis database.
//
// Entries are keyed under a generation counter. InvalidateAll increments the
// counter, which makes every older entry unreachable; stale entries then age
// out through their TTL. Writes go through a script that compares the
// generation the value was computed under with the current one, so a value
// computed before an invalidation is never stored after it.
//
// Redis failures degrade to cache misses and are logged; they never surface
// as check errors.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pthm/grantry"
)

// DefaultTTL bounds how long entries of a superseded generation linger.
const DefaultTTL = 10 * time.Minute

// DefaultPrefix namespaces every key written by the cache.
const DefaultPrefix = "grantry"

var getScript = redis.NewScript(`
local g = redis.call('GET', KEYS[1]) or '0'
return redis.call('GET', ARGV[1] .. g .. ARGV[2])
`)

var setScript = redis.NewScript(`
if (redis.call('GET', KEYS[1]) or '0') ~= ARGV[1] then return 0 end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// Cache implements grantry.Cache on Redis.
type Cache struct {
	rc     redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix sets the key prefix. Caches with different prefixes never see
// each other's entries.
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL sets the entry lifetime. Zero keeps entries until the generation
// moves and Redis evicts them.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithLogger sets the logger used for degraded operations.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// New wraps an existing client.
func New(rc redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		rc:     rc,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient returns a client for addr without connecting.
func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, db int, opts ...Option) (*Cache, error) {
	rc := NewClient(addr, db)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return New(rc, opts...), nil
}

// Ping checks Redis connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rc.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.rc.Close()
}

func (c *Cache) genKey() string { return c.prefix + ":gen" }

func (c *Cache) decisionKeyParts(key grantry.CacheKey) (head, tail string) {
	mode := "s"
	if !key.Strict {
		mode = "n"
	}
	return c.prefix + ":d:", ":" + key.Principal.String() + ":" + mode + ":" + key.Codes
}

func (c *Cache) groupsKeyParts(principal grantry.PrincipalID) (head, tail string) {
	return c.prefix + ":g:", ":" + principal.String()
}

// Generation returns the current generation counter.
func (c *Cache) Generation(ctx context.Context) (uint64, error) {
	v, err := c.rc.Get(ctx, c.genKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (c *Cache) get(ctx context.Context, head, tail string) ([]byte, bool) {
	data, err := getScript.Run(ctx, c.rc, []string{c.genKey()}, head, tail).Text()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("rediscache:get_failed")
		return nil, false
	}
	return []byte(data), true
}

func (c *Cache) set(ctx context.Context, head, tail string, value any, gen uint64) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Msg("rediscache:encode_failed")
		return
	}
	g := strconv.FormatUint(gen, 10)
	keys := []string{c.genKey(), head + g + tail}
	if err := setScript.Run(ctx, c.rc, keys, g, data, c.ttl.Milliseconds()).Err(); err != nil {
		c.log.Warn().Err(err).Msg("rediscache:set_failed")
	}
}

// Get returns a cached decision for key.
func (c *Cache) Get(ctx context.Context, key grantry.CacheKey) (grantry.Decision, bool) {
	head, tail := c.decisionKeyParts(key)
	data, ok := c.get(ctx, head, tail)
	if !ok {
		return grantry.Decision{}, false
	}
	var d grantry.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		c.log.Warn().Err(err).Msg("rediscache:decode_failed")
		return grantry.Decision{}, false
	}
	return d, true
}

// Set stores d if gen is still current.
func (c *Cache) Set(ctx context.Context, key grantry.CacheKey, d grantry.Decision, gen uint64) {
	head, tail := c.decisionKeyParts(key)
	c.set(ctx, head, tail, d, gen)
}

// GetGroups returns a cached group list.
func (c *Cache) GetGroups(ctx context.Context, principal grantry.PrincipalID) ([]grantry.GroupID, bool) {
	head, tail := c.groupsKeyParts(principal)
	data, ok := c.get(ctx, head, tail)
	if !ok {
		return nil, false
	}
	var groups []grantry.GroupID
	if err := json.Unmarshal(data, &groups); err != nil {
		c.log.Warn().Err(err).Msg("rediscache:decode_failed")
		return nil, false
	}
	return groups, true
}

// SetGroups stores a group list if gen is still current.
func (c *Cache) SetGroups(ctx context.Context, principal grantry.PrincipalID, groups []grantry.GroupID, gen uint64) {
	if groups == nil {
		groups = []grantry.GroupID{}
	}
	head, tail := c.groupsKeyParts(principal)
	c.set(ctx, head, tail, groups, gen)
}

// InvalidateAll advances the generation.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	return c.rc.Incr(ctx, c.genKey()).Err()
}

var _ grantry.Cache = (*Cache)(nil)
