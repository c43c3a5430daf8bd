// Package controlplane owns the gateway's schema and router-config
// lifecycle: building a new Pipeline from a schema/config source,
// warming its plan cache, swapping it in atomically, and draining the
// pipeline it replaces.
package controlplane

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/n9te9/federation-gateway/federation/cache"
	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/executor"
	"github.com/n9te9/federation-gateway/federation/graph"
	"github.com/n9te9/federation-gateway/federation/planner"
)

// Terminator is anything holding live subscriptions that must be ended
// when the pipeline serving them is retired — WSClient and
// CallbackManager both satisfy this.
type Terminator interface {
	TerminateForReload(code ferrors.Code)
}

// Pipeline bundles every read-only component needed to plan and execute
// requests against one supergraph build. A Pipeline is immutable after
// construction; reloads build a new one and swap the active pointer
// rather than mutating this one in place.
type Pipeline struct {
	SuperGraph *graph.SuperGraph
	Planner    *planner.Planner
	Executor   *executor.Executor
	PlanCache  *cache.PlanCache

	builtAt time.Time

	inFlight int64

	subMu sync.Mutex
	subs  []Terminator
}

// BeginRequest marks one request as started against this pipeline;
// pair with a deferred EndRequest. The control plane polls this count
// while draining a retired pipeline.
func (p *Pipeline) BeginRequest() { atomic.AddInt64(&p.inFlight, 1) }

// EndRequest marks a request started with BeginRequest as finished.
func (p *Pipeline) EndRequest() { atomic.AddInt64(&p.inFlight, -1) }

func (p *Pipeline) inFlightCount() int64 { return atomic.LoadInt64(&p.inFlight) }

// RegisterSubscription tracks t so it is terminated when this pipeline
// is retired by a reload.
func (p *Pipeline) RegisterSubscription(t Terminator) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subs = append(p.subs, t)
}

// terminateSubscriptions ends every subscription registered against
// this pipeline with code, then forgets them.
func (p *Pipeline) terminateSubscriptions(code ferrors.Code) {
	p.subMu.Lock()
	subs := p.subs
	p.subs = nil
	p.subMu.Unlock()

	for _, t := range subs {
		t.TerminateForReload(code)
	}
}
