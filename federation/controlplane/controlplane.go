package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"

	"github.com/n9te9/federation-gateway/federation/cache"
	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/executor"
	"github.com/n9te9/federation-gateway/federation/graph"
	"github.com/n9te9/federation-gateway/federation/planner"
)

// Config fixes the components every Pipeline the control plane builds
// is wired with.
type Config struct {
	HTTPClient        *http.Client
	EntityCache       *cache.EntityCache
	PlanCacheCapacity int
	// DrainGrace bounds how long Reload waits for a retired pipeline's
	// in-flight requests to finish before abandoning them.
	DrainGrace time.Duration
	Logger     *slog.Logger
}

// ControlPlane holds the currently active Pipeline and swaps it in
// atomically on Reload, per spec.md §4.10's build→warm→swap→drain
// sequence.
type ControlPlane struct {
	cfg    Config
	active atomic.Value // *Pipeline
}

// New returns a control plane with no pipeline active; call Reload to
// build and install the first one.
func New(cfg Config) *ControlPlane {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PlanCacheCapacity == 0 {
		cfg.PlanCacheCapacity = 1000
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &ControlPlane{cfg: cfg}
}

// Active returns the currently live Pipeline, or nil before the first
// successful Reload.
func (cp *ControlPlane) Active() *Pipeline {
	v := cp.active.Load()
	if v == nil {
		return nil
	}
	return v.(*Pipeline)
}

// Reload builds a new Pipeline from sdls/hosts. If composition fails,
// the active pipeline is left untouched and the error is returned
// ("keep the old one and emit an error", per spec.md §4.10 step 1).
// Otherwise the new pipeline's plan cache is warmed with warmQueries,
// swapped in atomically, and the pipeline it replaces is drained in the
// background.
func (cp *ControlPlane) Reload(ctx context.Context, sdls, hosts map[string]string, warmQueries []string) error {
	pipeline, err := cp.buildPipeline(sdls, hosts)
	if err != nil {
		return fmt.Errorf("controlplane: reload failed, keeping previous pipeline: %w", err)
	}

	cp.warm(ctx, pipeline, warmQueries)

	old := cp.Active()
	cp.active.Store(pipeline)

	if old != nil {
		go cp.drain(old)
	}
	return nil
}

func (cp *ControlPlane) buildPipeline(sdls, hosts map[string]string) (*Pipeline, error) {
	subGraphs := make([]*graph.SubGraph, 0, len(sdls))
	for name, sdl := range sdls {
		sg, err := graph.NewSubGraph(name, []byte(sdl), hosts[name])
		if err != nil {
			return nil, fmt.Errorf("failed to build subgraph %q: %w", name, err)
		}
		subGraphs = append(subGraphs, sg)
	}

	superGraph, err := graph.NewSuperGraph(subGraphs)
	if err != nil {
		return nil, fmt.Errorf("composition failed: %w", err)
	}

	return &Pipeline{
		SuperGraph: superGraph,
		Planner:    planner.New(superGraph),
		Executor:   executor.NewExecutor(cp.cfg.HTTPClient, superGraph, cp.cfg.EntityCache, cp.cfg.Logger),
		PlanCache:  cache.NewPlanCache(cp.cfg.PlanCacheCapacity),
		builtAt:    time.Now(),
	}, nil
}

// warm pre-populates pipeline's plan cache by planning each of
// warmQueries, logging (not failing the reload on) any that don't
// parse or plan against the new schema.
func (cp *ControlPlane) warm(ctx context.Context, pipeline *Pipeline, warmQueries []string) {
	if len(warmQueries) == 0 {
		return
	}

	builders := make(map[string]func() (*planner.Plan, error), len(warmQueries))
	for _, q := range warmQueries {
		query := q
		builders[cache.HashOf(query)] = func() (*planner.Plan, error) {
			l := lexer.New(query)
			p := parser.New(l)
			doc := p.ParseDocument()
			if len(p.Errors()) > 0 {
				return nil, fmt.Errorf("warm query parse error: %v", p.Errors())
			}
			return pipeline.Planner.Plan(doc, nil)
		}
	}

	for _, err := range pipeline.PlanCache.Warm(ctx, builders) {
		cp.cfg.Logger.Warn("plan cache warm-up query failed", "error", err)
	}
}

// drain terminates old's live subscriptions immediately with
// SUBSCRIPTION_SCHEMA_RELOAD, then polls its in-flight request count
// until it reaches zero or DrainGrace elapses.
func (cp *ControlPlane) drain(old *Pipeline) {
	old.terminateSubscriptions(ferrors.CodeSubscriptionSchemaReload)

	deadline := time.Now().Add(cp.cfg.DrainGrace)
	for old.inFlightCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := old.inFlightCount(); n > 0 {
		cp.cfg.Logger.Warn("drain grace period expired with requests still in flight",
			"built_at", old.builtAt, "in_flight", n)
	}
}
