package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFingerprintSeparatesHandlers(t *testing.T) {
	input := "optimize database performance"

	assert.NotEqual(t, Fingerprint(input, "security-scanner"), Fingerprint(input, "performance-optimizer"),
		"two handlers must never share a cache entry for the same input")
	assert.Equal(t, Fingerprint(input, "security-scanner"), Fingerprint(input, "security-scanner"))
}

func TestFingerprintNoConcatenationCollision(t *testing.T) {
	// Without a separator these two pairs would hash identically.
	assert.NotEqual(t, Fingerprint("bc", "a"), Fingerprint("c", "ab"))
}

func TestMemoryCachePutGet(t *testing.T) {
	c := NewMemoryCache(8)
	ctx := context.Background()

	c.Put(ctx, "fp-1", "result", time.Minute)

	value, ok := c.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, "result", value)

	_, ok = c.Get(ctx, "fp-missing")
	assert.False(t, ok)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache(8)
	ctx := context.Background()

	current := time.Now()
	c.now = func() time.Time { return current }

	c.Put(ctx, "fp-1", "result", time.Minute)

	current = current.Add(59 * time.Second)
	_, ok := c.Get(ctx, "fp-1")
	assert.True(t, ok)

	current = current.Add(2 * time.Second)
	_, ok = c.Get(ctx, "fp-1")
	assert.False(t, ok, "expired entry must read as a miss")
	assert.Equal(t, 0, c.Len(), "expired entry must be removed on read")
}

func TestMemoryCacheZeroTTLNotStored(t *testing.T) {
	c := NewMemoryCache(8)
	ctx := context.Background()

	c.Put(ctx, "fp-1", "result", 0)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemoryCache(2)
	ctx := context.Background()

	c.Put(ctx, "fp-a", 1, time.Minute)
	c.Put(ctx, "fp-b", 2, time.Minute)

	// Touch fp-a so fp-b becomes the eviction victim.
	_, ok := c.Get(ctx, "fp-a")
	require.True(t, ok)

	c.Put(ctx, "fp-c", 3, time.Minute)

	_, ok = c.Get(ctx, "fp-b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = c.Get(ctx, "fp-a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "fp-c")
	assert.True(t, ok)
}

func TestMemoryCacheCapacityNeverExceededProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		c := NewMemoryCache(capacity)
		ctx := context.Background()

		ops := rapid.IntRange(1, 100).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			key := fmt.Sprintf("fp-%d", rapid.IntRange(0, 31).Draw(t, "key"))
			if rapid.Bool().Draw(t, "isPut") {
				c.Put(ctx, key, i, time.Minute)
			} else {
				c.Get(ctx, key)
			}
			assert.LessOrEqual(t, c.Len(), capacity)
		}
	})
}
