package grantry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/grantry"
)

func granted() grantry.Decision {
	return grantry.Granted(grantry.Source{Kind: grantry.SourceGrant, Code: "X", Group: 1, Grant: 1})
}

// cacheContract runs the behavior every Cache implementation shares.
func cacheContract(t *testing.T, newCache func() grantry.Cache) {
	ctx := context.Background()
	key := grantry.CacheKey{Principal: 1, Codes: "ADMIN,X"}

	t.Run("set and get", func(t *testing.T) {
		c := newCache()
		gen, err := c.Generation(ctx)
		require.NoError(t, err)

		_, ok := c.Get(ctx, key)
		assert.False(t, ok)

		c.Set(ctx, key, granted(), gen)
		d, ok := c.Get(ctx, key)
		require.True(t, ok)
		assert.True(t, d.Granted())
		assert.Equal(t, grantry.SourceGrant, d.Source().Kind)
	})

	t.Run("invalidate drops entries", func(t *testing.T) {
		c := newCache()
		gen, _ := c.Generation(ctx)
		c.Set(ctx, key, granted(), gen)
		c.SetGroups(ctx, 1, []grantry.GroupID{1, 2}, gen)

		require.NoError(t, c.InvalidateAll(ctx))

		_, ok := c.Get(ctx, key)
		assert.False(t, ok)
		_, ok = c.GetGroups(ctx, 1)
		assert.False(t, ok)
	})

	t.Run("stale generation is dropped", func(t *testing.T) {
		c := newCache()
		gen, _ := c.Generation(ctx)
		require.NoError(t, c.InvalidateAll(ctx))

		c.Set(ctx, key, granted(), gen)
		c.SetGroups(ctx, 1, []grantry.GroupID{1}, gen)

		_, ok := c.Get(ctx, key)
		assert.False(t, ok, "decision computed before invalidation must not be stored")
		_, ok = c.GetGroups(ctx, 1)
		assert.False(t, ok)

		next, _ := c.Generation(ctx)
		assert.NotEqual(t, gen, next)
	})

	t.Run("group lists are copied", func(t *testing.T) {
		c := newCache()
		gen, _ := c.Generation(ctx)
		groups := []grantry.GroupID{1, 2}
		c.SetGroups(ctx, 7, groups, gen)
		groups[0] = 99

		got, ok := c.GetGroups(ctx, 7)
		require.True(t, ok)
		assert.Equal(t, []grantry.GroupID{1, 2}, got)
	})
}

func TestCacheImpl(t *testing.T) {
	cacheContract(t, func() grantry.Cache { return grantry.NewCache() })

	t.Run("ttl expiry", func(t *testing.T) {
		ctx := context.Background()
		c := grantry.NewCache(grantry.WithTTL(10 * time.Millisecond))
		key := grantry.CacheKey{Principal: 1, Codes: "X"}
		c.Set(ctx, key, granted(), 0)
		assert.Equal(t, 1, c.Size())

		time.Sleep(20 * time.Millisecond)
		_, ok := c.Get(ctx, key)
		assert.False(t, ok)
		assert.Equal(t, 0, c.Size())
	})

	t.Run("concurrent refresh survives expiry sweep", func(t *testing.T) {
		ctx := context.Background()
		c := grantry.NewCache(grantry.WithTTL(50 * time.Millisecond))
		key := grantry.CacheKey{Principal: 1, Codes: "X"}
		c.Set(ctx, key, granted(), 0)
		time.Sleep(60 * time.Millisecond)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				c.Get(ctx, key)
			}()
			go func() {
				defer wg.Done()
				c.Set(ctx, key, granted(), 0)
			}()
		}
		wg.Wait()

		// The last write is fresh, so no sweep may have removed it.
		c.Set(ctx, key, granted(), 0)
		_, ok := c.Get(ctx, key)
		assert.True(t, ok)
	})
}

func TestNewCacheKey(t *testing.T) {
	assert.Equal(t, "1:A1:B", grantry.EncodeCodes(grantry.Codes("A", "B")))
	assert.NotEqual(t,
		grantry.NewCacheKey(1, grantry.Codes("A", "B"), true),
		grantry.NewCacheKey(1, grantry.Codes("A,B"), true))
	assert.NotEqual(t,
		grantry.NewCacheKey(1, grantry.Codes("X"), false),
		grantry.NewCacheKey(1, grantry.Codes("~X"), true))
	assert.NotEqual(t,
		grantry.NewCacheKey(1, grantry.Codes("X"), false),
		grantry.NewCacheKey(1, grantry.Codes("X"), true))
}

func TestLRUCache(t *testing.T) {
	cacheContract(t, func() grantry.Cache { return grantry.NewLRUCache(16, 0) })

	t.Run("size bound", func(t *testing.T) {
		ctx := context.Background()
		c := grantry.NewLRUCache(2, 0)
		for p := grantry.PrincipalID(1); p <= 3; p++ {
			c.Set(ctx, grantry.CacheKey{Principal: p, Codes: "X"}, granted(), 0)
		}
		assert.Equal(t, 2, c.Len())
		_, ok := c.Get(ctx, grantry.CacheKey{Principal: 1, Codes: "X"})
		assert.False(t, ok, "oldest entry evicted")
	})
}

func TestNopCache(t *testing.T) {
	ctx := context.Background()
	c := grantry.NopCache{}
	c.Set(ctx, grantry.CacheKey{Principal: 1}, granted(), 0)
	_, ok := c.Get(ctx, grantry.CacheKey{Principal: 1})
	assert.False(t, ok)
	assert.NoError(t, c.InvalidateAll(ctx))
}
