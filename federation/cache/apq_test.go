package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/cache"
)

func TestAPQRegistersAndResolves(t *testing.T) {
	store := cache.NewMemoryStore(10, 0)
	apq := cache.NewAPQStore(store, time.Minute)
	ctx := context.Background()

	doc := `query { product(id: "1") { id } }`
	hash := cache.HashOf(doc)

	_, err := apq.Lookup(ctx, hash, "")
	require.ErrorIs(t, err, cache.ErrPersistedQueryNotFound)

	resolved, err := apq.Lookup(ctx, hash, doc)
	require.NoError(t, err)
	require.Equal(t, doc, resolved)

	resolved, err = apq.Lookup(ctx, hash, "")
	require.NoError(t, err)
	require.Equal(t, doc, resolved)
}

func TestAPQRejectsHashMismatch(t *testing.T) {
	store := cache.NewMemoryStore(10, 0)
	apq := cache.NewAPQStore(store, time.Minute)

	_, err := apq.Lookup(context.Background(), "deadbeef", `query { product { id } }`)
	require.Error(t, err)
}
