package cache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/n9te9/federation-gateway/federation/planner"
)

// PlanCache holds built query plans keyed by operation fingerprint. Plans
// hold live *ast.Document/*graph.SubGraph pointers tied to the current
// supergraph generation, so — unlike the APQ and entity caches — it is
// in-process only; a schema reload discards it outright rather than
// trying to invalidate individual entries (see ControlPlane.Reload).
type PlanCache struct {
	lru   *LRU
	group singleflight.Group
}

// NewPlanCache creates a plan cache holding at most capacity entries.
func NewPlanCache(capacity int) *PlanCache {
	return &PlanCache{lru: NewLRU(capacity, 0)}
}

// Get returns the cached plan for fingerprint, if present.
func (c *PlanCache) Get(fingerprint string) (*planner.Plan, bool) {
	v, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	return v.(*planner.Plan), true
}

// GetOrBuild returns the cached plan for fingerprint, building it with
// build and caching the result on a miss. Concurrent callers sharing the
// same fingerprint collapse onto a single build via singleflight, so a
// burst of identical requests against a cold cache only plans once.
func (c *PlanCache) GetOrBuild(_ context.Context, fingerprint string, build func() (*planner.Plan, error)) (*planner.Plan, error) {
	if p, ok := c.Get(fingerprint); ok {
		return p, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		if p, ok := c.Get(fingerprint); ok {
			return p, nil
		}
		p, err := build()
		if err != nil {
			return nil, err
		}
		c.lru.Set(fingerprint, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*planner.Plan), nil
}

// Warm pre-populates the cache from a set of fingerprint/build pairs,
// used on control-plane reload to avoid a cold-cache latency spike on the
// operations a running gateway already sees regularly.
func (c *PlanCache) Warm(ctx context.Context, builders map[string]func() (*planner.Plan, error)) []error {
	var errs []error
	for fingerprint, build := range builders {
		if _, err := c.GetOrBuild(ctx, fingerprint, build); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Len reports the number of cached plans.
func (c *PlanCache) Len() int {
	return c.lru.Len()
}
