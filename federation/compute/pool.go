// Package compute is the gateway's bounded pool for CPU-heavy work:
// parsing, validation, query planning, introspection. Request handling
// itself runs on the Go runtime's own scheduler; anything CPU-bound is
// routed through a Pool so a burst of expensive queries can't starve
// ordinary request handling, and so the router can reject work outright
// once the queue is full rather than let it pile up unbounded.
package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

// JobType tags a compute job for metrics and logging.
type JobType string

const (
	JobQueryParsing  JobType = "QueryParsing"
	JobQueryPlanning JobType = "QueryPlanning"
	JobIntrospection JobType = "Introspection"
)

// Func is the unit of work a Pool runs. It receives the submitting
// request's context so it can observe cancellation before it starts.
type Func func(ctx context.Context) (interface{}, error)

type job struct {
	jobType  JobType
	ctx      context.Context
	fn       Func
	resultCh chan result
}

type result struct {
	val interface{}
	err error
}

// Pool runs Funcs on a fixed set of workers, queuing at most queueSize
// pending jobs; Submit beyond that capacity fails immediately with
// ferrors.CodeComputeQueueFull instead of blocking the caller.
type Pool struct {
	logger *slog.Logger

	jobs     chan *job
	workers  []*worker
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type worker struct {
	id   int
	pool *Pool
}

// NewPool starts workerCount workers draining a queue of capacity
// queueSize.
func NewPool(workerCount, queueSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:   logger,
		jobs:     make(chan *job, queueSize),
		stopChan: make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		w := &worker{id: i, pool: p}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.run()
	}
	return p
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	for {
		select {
		case <-w.pool.stopChan:
			return
		case j, ok := <-w.pool.jobs:
			if !ok {
				return
			}
			w.process(j)
		}
	}
}

// process executes j unless its context was already cancelled while it
// sat in the queue — a request cancelled before its job starts running
// never runs it; once running, the job always finishes.
func (w *worker) process(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.resultCh <- result{err: err}
		return
	}
	val, err := j.fn(j.ctx)
	if err != nil {
		w.pool.logger.Debug("compute job failed", "worker", w.id, "jobType", j.jobType, "error", err)
	}
	j.resultCh <- result{val: val, err: err}
}

// Submit enqueues fn tagged with jobType and blocks until it completes
// or ctx is cancelled. If the queue is already at capacity, Submit
// returns immediately with ferrors.CodeComputeQueueFull rather than
// waiting for room.
func (p *Pool) Submit(ctx context.Context, jobType JobType, fn Func) (interface{}, error) {
	j := &job{jobType: jobType, ctx: ctx, fn: fn, resultCh: make(chan result, 1)}

	select {
	case p.jobs <- j:
	default:
		return nil, ferrors.New(ferrors.CodeComputeQueueFull, fmt.Sprintf("compute queue full (job=%s)", jobType))
	}

	select {
	case r := <-j.resultCh:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops all workers once their current job finishes and waits
// for them to exit. Jobs still waiting in the queue are abandoned.
func (p *Pool) Close(timeout time.Duration) {
	close(p.stopChan)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("compute pool close timed out waiting for workers")
	}
}
