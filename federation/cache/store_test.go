package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/cache"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := cache.NewRedisStore(mr.Addr(), "test", 10, 0)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "key", []byte("value"), time.Minute))

	data, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", string(data))

	require.NoError(t, store.Delete(ctx, "key"))
	_, ok, err = store.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := cache.NewMemoryStore(10, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key", []byte("value"), 0))
	data, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", string(data))
}
