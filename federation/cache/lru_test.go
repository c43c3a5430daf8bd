package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/cache"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := cache.NewLRU(2, 0)

	l.Set("a", 1)
	l.Set("b", 2)
	_, _ = l.Get("a") // touch a so b becomes least-recently-used
	l.Set("c", 3)

	_, ok := l.Get("b")
	assert.False(t, ok, "b should have been evicted")

	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = l.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestLRUExpiresByTTL(t *testing.T) {
	l := cache.NewLRU(10, time.Millisecond)

	l.Set("k", "v")
	time.Sleep(5 * time.Millisecond)

	_, ok := l.Get("k")
	assert.False(t, ok, "expired entry should not be returned")
}

func TestLRUDelete(t *testing.T) {
	l := cache.NewLRU(10, 0)
	l.Set("k", "v")
	l.Delete("k")

	_, ok := l.Get("k")
	assert.False(t, ok)
}
