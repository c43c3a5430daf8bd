package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/cache"
	"github.com/n9te9/federation-gateway/federation/planner"
)

func TestPlanCacheGetOrBuildDedupesConcurrentBuilds(t *testing.T) {
	pc := cache.NewPlanCache(10)

	var builds int32
	build := func() (*planner.Plan, error) {
		atomic.AddInt32(&builds, 1)
		return &planner.Plan{OperationType: "query"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pc.GetOrBuild(context.Background(), "fp-1", build)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&builds), "concurrent callers should collapse into a single build")

	p, ok := pc.Get("fp-1")
	require.True(t, ok)
	require.Equal(t, "query", p.OperationType)
}

func TestPlanCacheWarm(t *testing.T) {
	pc := cache.NewPlanCache(10)

	errs := pc.Warm(context.Background(), map[string]func() (*planner.Plan, error){
		"fp-a": func() (*planner.Plan, error) { return &planner.Plan{OperationType: "query"}, nil },
		"fp-b": func() (*planner.Plan, error) { return &planner.Plan{OperationType: "mutation"}, nil },
	})
	require.Empty(t, errs)
	require.Equal(t, 2, pc.Len())
}
