package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

// Limits holds the router-layer resource bounds spec.md §4.8 names:
// max body bytes, max header count, max concurrent requests, a bounded
// admission queue beyond that concurrency ceiling, whether a request
// whose client disconnects while queued is cancelled early, and how
// long graceful shutdown waits for in-flight requests to drain.
type Limits struct {
	MaxBodyBytes            int64
	MaxHeaderCount          int
	MaxConcurrentRequests   int
	MaxQueueDepth           int
	EarlyCancel             bool
	GracefulShutdownTimeout time.Duration
}

// LimitGuard enforces Limits as chi-compatible middleware: admission
// into the queue is a buffered channel sized
// MaxConcurrentRequests+MaxQueueDepth (admit immediately or reject with
// 503); once admitted, a request waits for one of MaxConcurrentRequests
// running slots, aborting early if EarlyCancel is set and the client's
// context is cancelled first.
type LimitGuard struct {
	limits  Limits
	admit   chan struct{}
	running chan struct{}
}

// NewLimitGuard builds a guard for limits. A zero MaxConcurrentRequests
// means unbounded concurrency (running slots are unlimited); a zero
// MaxQueueDepth means admission never queues beyond the running limit.
func NewLimitGuard(limits Limits) *LimitGuard {
	g := &LimitGuard{limits: limits}
	if limits.MaxConcurrentRequests > 0 {
		g.running = make(chan struct{}, limits.MaxConcurrentRequests)
		g.admit = make(chan struct{}, limits.MaxConcurrentRequests+limits.MaxQueueDepth)
	}
	return g
}

// Middleware returns an http.Handler-wrapping middleware applying body
// size, header count, and concurrency/queue-depth limits ahead of next.
func (g *LimitGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limits.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.limits.MaxBodyBytes)
		}
		if g.limits.MaxHeaderCount > 0 && headerCount(r.Header) > g.limits.MaxHeaderCount {
			writeLimitError(w, http.StatusRequestHeaderFieldsTooLarge, ferrors.New(ferrors.CodeLimitExceeded, "too many request headers"))
			return
		}

		if g.running == nil {
			next.ServeHTTP(w, r)
			return
		}

		if err := g.acquire(r.Context()); err != nil {
			writeLimitError(w, http.StatusServiceUnavailable, err)
			return
		}
		defer g.release()

		next.ServeHTTP(w, r)
	})
}

func (g *LimitGuard) acquire(ctx context.Context) error {
	select {
	case g.admit <- struct{}{}:
	default:
		return ferrors.New(ferrors.CodeLimitExceeded, "request queue is full")
	}

	if g.limits.EarlyCancel {
		select {
		case g.running <- struct{}{}:
			return nil
		case <-ctx.Done():
			<-g.admit
			return ferrors.Wrap(ferrors.CodeLimitExceeded, "request cancelled while queued", ctx.Err())
		}
	}

	g.running <- struct{}{}
	return nil
}

func (g *LimitGuard) release() {
	<-g.running
	<-g.admit
}

func headerCount(h http.Header) int {
	n := 0
	for _, values := range h {
		n += len(values)
	}
	return n
}

func writeLimitError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	code, _ := ferrors.CodeOf(err)
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]any{
			{"message": err.Error(), "extensions": map[string]string{"code": string(code)}},
		},
	})
}
