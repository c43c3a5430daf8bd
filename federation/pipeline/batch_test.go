package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/pipeline"
)

func TestDecodeBatchDetectsArray(t *testing.T) {
	ops, isBatch, err := pipeline.DecodeBatch([]byte(`[{"query":"{a}"},{"query":"{b}"}]`))
	require.NoError(t, err)
	assert.True(t, isBatch)
	require.Len(t, ops, 2)
	assert.Equal(t, "{a}", ops[0].Query)
}

func TestDecodeBatchRejectsSingleObject(t *testing.T) {
	_, isBatch, err := pipeline.DecodeBatch([]byte(`{"query":"{a}"}`))
	require.NoError(t, err)
	assert.False(t, isBatch)
}

func TestDispatchPreservesOrder(t *testing.T) {
	ops := []pipeline.OperationRequest{{Query: "{a}"}, {Query: "{b}"}, {Query: "{c}"}}
	results, err := pipeline.Dispatch(t.Context(), pipeline.BatchConfig{Enabled: true}, ops,
		func(ctx context.Context, op pipeline.OperationRequest) (*pipeline.Response, error) {
			return &pipeline.Response{Body: op.Query}, nil
		})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "{a}", results[0].Body)
	assert.Equal(t, "{b}", results[1].Body)
	assert.Equal(t, "{c}", results[2].Body)
}

func TestDispatchRejectsWhenNotEnabled(t *testing.T) {
	_, err := pipeline.Dispatch(t.Context(), pipeline.BatchConfig{}, []pipeline.OperationRequest{{Query: "{a}"}},
		func(ctx context.Context, op pipeline.OperationRequest) (*pipeline.Response, error) {
			return &pipeline.Response{}, nil
		})
	require.Error(t, err)
	code, ok := ferrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.CodeBatchingNotEnabled, code)
}

func TestDispatchEnforcesMaxSize(t *testing.T) {
	ops := []pipeline.OperationRequest{{Query: "{a}"}, {Query: "{b}"}}
	_, err := pipeline.Dispatch(t.Context(), pipeline.BatchConfig{Enabled: true, MaxSize: 1}, ops,
		func(ctx context.Context, op pipeline.OperationRequest) (*pipeline.Response, error) {
			return &pipeline.Response{}, nil
		})
	require.Error(t, err)
	code, ok := ferrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.CodeBatchLimitExceeded, code)
}
