package compute_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/compute"
)

func TestSubmitReturnsFuncResult(t *testing.T) {
	pool := compute.NewPool(2, 4, nil)
	defer pool.Close(time.Second)

	val, err := pool.Submit(t.Context(), compute.JobQueryPlanning, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestSubmitPropagatesFuncError(t *testing.T) {
	pool := compute.NewPool(1, 4, nil)
	defer pool.Close(time.Second)

	boom := assert.AnError
	_, err := pool.Submit(t.Context(), compute.JobQueryParsing, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool := compute.NewPool(1, 1, nil)
	defer pool.Close(time.Second)

	release := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the single worker so the next job sits in the queue, and
	// the one after that has nowhere to go.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Submit(t.Context(), compute.JobIntrospection, func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()

	queued := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(queued)
		pool.Submit(t.Context(), compute.JobIntrospection, func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()

	<-queued
	time.Sleep(20 * time.Millisecond) // let the second job land in the queue

	_, err := pool.Submit(t.Context(), compute.JobIntrospection, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	code, ok := ferrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.CodeComputeQueueFull, code)

	close(release)
	wg.Wait()
}

func TestSubmitSkipsJobCancelledBeforeRunning(t *testing.T) {
	pool := compute.NewPool(1, 4, nil)
	defer pool.Close(time.Second)

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Submit(t.Context(), compute.JobQueryPlanning, func(ctx context.Context) (interface{}, error) {
			<-block
			return nil, nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // ensure the first job is occupying the worker

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	ranCount := 0
	_, err := pool.Submit(ctx, compute.JobQueryPlanning, func(ctx context.Context) (interface{}, error) {
		ranCount++
		return nil, nil
	})
	assert.Error(t, err)
	assert.Equal(t, 0, ranCount)

	close(block)
	wg.Wait()
}
