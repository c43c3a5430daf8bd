package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/pipeline"
)

func core(_ context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	return &pipeline.Response{StatusCode: 200, Body: req.Body}, nil
}

func TestBuildRunsHooksInLayerOrder(t *testing.T) {
	var order []string

	p := pipeline.New()
	p.Router.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		order = append(order, "router")
		return req, nil, nil
	})
	p.Supergraph.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		order = append(order, "supergraph")
		return req, nil, nil
	})
	p.Execution.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		order = append(order, "execution")
		return req, nil, nil
	})
	p.Subgraph.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		order = append(order, "subgraph")
		return req, nil, nil
	})

	handler := p.Build(core)
	_, err := handler(t.Context(), &pipeline.Request{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"router", "supergraph", "execution", "subgraph"}, order)
}

func TestRequestHookShortCircuitsInnerLayers(t *testing.T) {
	called := false

	p := pipeline.New()
	p.Supergraph.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		return req, &pipeline.Response{StatusCode: 403}, nil
	})
	p.Execution.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		called = true
		return req, nil, nil
	})

	handler := p.Build(core)
	resp, err := handler(t.Context(), &pipeline.Request{})
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)
	assert.False(t, called, "execution layer must not run once supergraph short-circuits")
}

func TestResponseHooksRunInOrderOnTheWayOut(t *testing.T) {
	var order []string

	p := pipeline.New()
	p.Execution.UseResponse(func(ctx context.Context, resp *pipeline.Response) (*pipeline.Response, error) {
		order = append(order, "execution")
		return resp, nil
	})
	p.Router.UseResponse(func(ctx context.Context, resp *pipeline.Response) (*pipeline.Response, error) {
		order = append(order, "router")
		return resp, nil
	})

	handler := p.Build(core)
	_, err := handler(t.Context(), &pipeline.Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"execution", "router"}, order)
}

func TestErrorHookRecoversWithResponse(t *testing.T) {
	boom := errors.New("boom")

	p := pipeline.New()
	p.Subgraph.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		return nil, nil, boom
	})
	p.Subgraph.UseError(func(ctx context.Context, err error) (*pipeline.Response, error) {
		return &pipeline.Response{StatusCode: 500}, nil
	})

	handler := p.Build(core)
	resp, err := handler(t.Context(), &pipeline.Request{})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
}

func TestErrorHookCanPropagateAnotherError(t *testing.T) {
	boom := errors.New("boom")
	wrapped := errors.New("wrapped")

	p := pipeline.New()
	p.Execution.UseRequest(func(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
		return nil, nil, boom
	})
	p.Execution.UseError(func(ctx context.Context, err error) (*pipeline.Response, error) {
		return nil, wrapped
	})

	handler := p.Build(core)
	_, err := handler(t.Context(), &pipeline.Request{})
	assert.ErrorIs(t, err, wrapped)
}
