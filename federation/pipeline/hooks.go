// Package pipeline implements the gateway's four-layer request pipeline:
// router, supergraph, execution, subgraph. Each layer can register
// on_request/on_response/on_error hooks that run in registration order,
// and the layers nest so the router layer's hooks see a request before
// the supergraph layer does, and a response after it, and so on down to
// the subgraph layer closest to the wire. This generalizes the single
// inline validation step gateway.ServeHTTP used to run
// (validateAccessibility) into a stack any number of concerns can hang
// hooks off of.
package pipeline

import (
	"context"
	"net/http"
)

// Stage identifies one of the four pipeline layers, used both to pick a
// Layer's hook slice and to tag a Coprocessor call.
type Stage int

const (
	StageRouter Stage = iota
	StageSupergraph
	StageExecution
	StageSubgraph
)

func (s Stage) String() string {
	switch s {
	case StageRouter:
		return "router"
	case StageSupergraph:
		return "supergraph"
	case StageExecution:
		return "execution"
	case StageSubgraph:
		return "subgraph"
	default:
		return "unknown"
	}
}

// Request is what flows into a layer's on_request hooks and the
// Handler a Pipeline wraps. Body is left as an opaque blob at the
// router layer (raw bytes, per spec.md §6) and is typically a parsed
// GraphQL request by the time it reaches the execution/subgraph layers;
// callers agree on the concrete shape out of band.
type Request struct {
	Method      string
	Path        string
	Header      http.Header
	Body        interface{}
	ServiceName string // set for subgraph-layer requests
	URI         string // set for subgraph-layer requests
	Context     map[string]interface{}
}

// Response is what flows out of a layer's handler into its
// on_response hooks.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       interface{}
	HasNext    bool // true while more @defer/subscription chunks follow
	Context    map[string]interface{}
}

// Handler runs the next thing inward of a layer: the next layer's
// wrapped Handler, or, at the innermost subgraph layer, the actual
// subgraph fetch.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// RequestHook may rewrite the request, short-circuit the pipeline by
// returning a non-nil Response (skipping every layer inward of the one
// that registered it), or fail the request by returning an error.
type RequestHook func(ctx context.Context, req *Request) (*Request, *Response, error)

// ResponseHook may rewrite the response or fail the request by
// returning an error.
type ResponseHook func(ctx context.Context, resp *Response) (*Response, error)

// ErrorHook observes or replaces an error produced by a hook or by the
// wrapped Handler. Returning nil recovers the request with whatever
// Response it also returns; returning a non-nil error (possibly the
// same one) propagates it outward.
type ErrorHook func(ctx context.Context, err error) (*Response, error)

// Layer is one of the four pipeline layers: an ordered set of hooks
// plus an optional Coprocessor bound to this layer's request/response
// stages.
type Layer struct {
	Stage       Stage
	OnRequest   []RequestHook
	OnResponse  []ResponseHook
	OnError     []ErrorHook
	Coprocessor *Coprocessor
}

// NewLayer returns an empty Layer for stage.
func NewLayer(stage Stage) *Layer {
	return &Layer{Stage: stage}
}

// UseRequest, UseResponse and UseError append hooks to register, in the order given; hooks run in
// registration order, matching the order Use calls were made across
// the lifetime of the Layer.
func (l *Layer) UseRequest(hooks ...RequestHook) *Layer {
	l.OnRequest = append(l.OnRequest, hooks...)
	return l
}

func (l *Layer) UseResponse(hooks ...ResponseHook) *Layer {
	l.OnResponse = append(l.OnResponse, hooks...)
	return l
}

func (l *Layer) UseError(hooks ...ErrorHook) *Layer {
	l.OnError = append(l.OnError, hooks...)
	return l
}

// Wrap returns a Handler running this layer's on_request hooks (and
// request-stage coprocessor, if set), then next, then this layer's
// on_response hooks (and response-stage coprocessor). An on_request
// hook returning a Response short-circuits next entirely.
func (l *Layer) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *Request) (resp *Response, err error) {
		defer func() {
			if err != nil {
				resp, err = l.runErrorHooks(ctx, err)
			}
		}()

		req, resp, err = l.runRequestHooks(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return l.runResponseHooks(ctx, resp)
		}

		if l.Coprocessor != nil {
			req, resp, err = l.Coprocessor.CallRequest(ctx, l.Stage, req)
			if err != nil {
				return nil, err
			}
			if resp != nil {
				return l.runResponseHooks(ctx, resp)
			}
		}

		resp, err = next(ctx, req)
		if err != nil {
			return nil, err
		}

		if l.Coprocessor != nil {
			resp, err = l.Coprocessor.CallResponse(ctx, l.Stage, resp)
			if err != nil {
				return nil, err
			}
		}

		return l.runResponseHooks(ctx, resp)
	}
}

func (l *Layer) runRequestHooks(ctx context.Context, req *Request) (*Request, *Response, error) {
	for _, hook := range l.OnRequest {
		var resp *Response
		var err error
		req, resp, err = hook(ctx, req)
		if err != nil {
			return req, nil, err
		}
		if resp != nil {
			return req, resp, nil
		}
	}
	return req, nil, nil
}

func (l *Layer) runResponseHooks(ctx context.Context, resp *Response) (*Response, error) {
	for _, hook := range l.OnResponse {
		var err error
		resp, err = hook(ctx, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (l *Layer) runErrorHooks(ctx context.Context, err error) (*Response, error) {
	for _, hook := range l.OnError {
		resp, herr := hook(ctx, err)
		if herr == nil {
			return resp, nil
		}
		err = herr
	}
	return nil, err
}

// Pipeline is the gateway's full four-layer hook stack: Router wraps
// Supergraph wraps Execution wraps Subgraph.
type Pipeline struct {
	Router     *Layer
	Supergraph *Layer
	Execution  *Layer
	Subgraph   *Layer
}

// New returns a Pipeline with one empty Layer per stage.
func New() *Pipeline {
	return &Pipeline{
		Router:     NewLayer(StageRouter),
		Supergraph: NewLayer(StageSupergraph),
		Execution:  NewLayer(StageExecution),
		Subgraph:   NewLayer(StageSubgraph),
	}
}

// Build nests core (the actual subgraph fetch) inside the Subgraph
// layer, that inside Execution, that inside Supergraph, that inside
// Router, and returns the outermost Handler — the one a router-layer
// HTTP handler should call for every request.
func (p *Pipeline) Build(core Handler) Handler {
	h := p.Subgraph.Wrap(core)
	h = p.Execution.Wrap(h)
	h = p.Supergraph.Wrap(h)
	h = p.Router.Wrap(h)
	return h
}
