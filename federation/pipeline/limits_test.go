package pipeline_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/n9te9/federation-gateway/federation/pipeline"
)

func TestLimitGuardRejectsTooManyHeaders(t *testing.T) {
	guard := pipeline.NewLimitGuard(pipeline.Limits{MaxHeaderCount: 1})
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("A", "1")
	req.Header.Set("B", "2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, rec.Code)
}

func TestLimitGuardRejectsBeyondQueueDepth(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	guard := pipeline.NewLimitGuard(pipeline.Limits{MaxConcurrentRequests: 1, MaxQueueDepth: 1})
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started.Done()
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	// Occupy the single running slot.
	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	// Occupy the single queue slot (blocked waiting for the running slot).
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}()

	time.Sleep(20 * time.Millisecond)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(release)
}

func TestLimitGuardEarlyCancelAbortsQueuedRequest(t *testing.T) {
	release := make(chan struct{})
	ranSecond := make(chan struct{}, 1)

	guard := pipeline.NewLimitGuard(pipeline.Limits{MaxConcurrentRequests: 1, MaxQueueDepth: 1, EarlyCancel: true})
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case ranSecond <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	cancel()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(release)
}
