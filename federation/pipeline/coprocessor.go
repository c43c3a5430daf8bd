package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

// CoprocessorStage is the wire value of a coprocessor payload's "stage"
// field, per spec.md §6.
type CoprocessorStage string

const (
	StageRouterRequest        CoprocessorStage = "RouterRequest"
	StageRouterResponse       CoprocessorStage = "RouterResponse"
	StageSupergraphRequest    CoprocessorStage = "SupergraphRequest"
	StageSupergraphResponse   CoprocessorStage = "SupergraphResponse"
	StageExecutionRequest     CoprocessorStage = "ExecutionRequest"
	StageExecutionResponse    CoprocessorStage = "ExecutionResponse"
	StageSubgraphRequestStage CoprocessorStage = "SubgraphRequest"
	StageSubgraphResponse     CoprocessorStage = "SubgraphResponse"
)

func requestStageFor(s Stage) CoprocessorStage {
	switch s {
	case StageRouter:
		return StageRouterRequest
	case StageSupergraph:
		return StageSupergraphRequest
	case StageExecution:
		return StageExecutionRequest
	case StageSubgraph:
		return StageSubgraphRequestStage
	default:
		return ""
	}
}

func responseStageFor(s Stage) CoprocessorStage {
	switch s {
	case StageRouter:
		return StageRouterResponse
	case StageSupergraph:
		return StageSupergraphResponse
	case StageExecution:
		return StageExecutionResponse
	case StageSubgraph:
		return StageSubgraphResponse
	default:
		return ""
	}
}

// Control is a coprocessor response's "control" field: either the bare
// string "continue" or an object {"break": <http-status>}.
type Control struct {
	Break int
}

func (c Control) Continue() bool { return c.Break == 0 }

func (c Control) MarshalJSON() ([]byte, error) {
	if c.Break == 0 {
		return json.Marshal("continue")
	}
	return json.Marshal(struct {
		Break int `json:"break"`
	}{c.Break})
}

func (c *Control) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "continue" {
			*c = Control{}
			return nil
		}
	}
	var obj struct {
		Break int `json:"break"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("pipeline: invalid coprocessor control value: %s", data)
	}
	*c = Control{Break: obj.Break}
	return nil
}

// CoprocessorPayload is the JSON body exchanged with an external
// coprocessor, matching spec.md §6's field list exactly. Fields not
// meaningful at a given stage are simply left zero/omitted.
type CoprocessorPayload struct {
	Version           int                    `json:"version"`
	Stage             CoprocessorStage       `json:"stage"`
	Control           Control                `json:"control"`
	ID                string                 `json:"id"`
	SubgraphRequestID string                 `json:"subgraphRequestId,omitempty"`
	Headers           http.Header            `json:"headers,omitempty"`
	Body              json.RawMessage        `json:"body,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
	SDL               string                 `json:"sdl,omitempty"`
	Method            string                 `json:"method,omitempty"`
	Path              string                 `json:"path,omitempty"`
	ServiceName       string                 `json:"serviceName,omitempty"`
	URI               string                 `json:"uri,omitempty"`
	StatusCode        int                    `json:"statusCode,omitempty"`
	HasNext           *bool                  `json:"hasNext,omitempty"`
	QueryPlan         json.RawMessage        `json:"queryPlan,omitempty"`
}

// Coprocessor is an external HTTP hook: one JSON POST per enabled
// stage, per spec.md §4.8's "external coprocessor" cross-cutting
// concern. Both request and response sides of a layer may be enabled
// independently via EnableRequest/EnableResponse.
type Coprocessor struct {
	URL            string
	Client         *http.Client
	SDL            string // supergraph SDL, echoed into every payload
	EnableRequest  bool
	EnableResponse bool
}

// NewCoprocessor returns a Coprocessor posting to url with both request
// and response stages enabled; toggle EnableRequest/EnableResponse on
// the returned value to narrow that.
func NewCoprocessor(url string, client *http.Client) *Coprocessor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Coprocessor{URL: url, Client: client, EnableRequest: true, EnableResponse: true}
}

// CallRequest invokes the coprocessor for req's on_request side at
// stage. It returns the (possibly rewritten) request unchanged if
// disabled or if the coprocessor signals "continue"; it returns a
// non-nil Response if the coprocessor signals a break.
func (c *Coprocessor) CallRequest(ctx context.Context, stage Stage, req *Request) (*Request, *Response, error) {
	if c == nil || !c.EnableRequest {
		return req, nil, nil
	}

	bodyJSON, err := encodeBody(req.Body)
	if err != nil {
		return req, nil, ferrors.Wrap(ferrors.CodeInvalidGraphqlRequest, "coprocessor: failed to encode request body", err)
	}

	payload := CoprocessorPayload{
		Version:     1,
		Stage:       requestStageFor(stage),
		Control:     Control{},
		Headers:     req.Header,
		Body:        bodyJSON,
		Context:     req.Context,
		SDL:         c.SDL,
		Method:      req.Method,
		Path:        req.Path,
		ServiceName: req.ServiceName,
		URI:         req.URI,
	}

	result, err := c.call(ctx, payload)
	if err != nil {
		return req, nil, err
	}

	if !result.Control.Continue() {
		return req, &Response{StatusCode: result.Control.Break, Header: result.Headers, Context: result.Context}, nil
	}

	out := *req
	if result.Headers != nil {
		out.Header = result.Headers
	}
	if len(result.Body) > 0 {
		out.Body = result.Body
	}
	if result.Context != nil {
		out.Context = result.Context
	}
	return &out, nil, nil
}

// CallResponse invokes the coprocessor for resp's on_response side at
// stage.
func (c *Coprocessor) CallResponse(ctx context.Context, stage Stage, resp *Response) (*Response, error) {
	if c == nil || !c.EnableResponse {
		return resp, nil
	}

	bodyJSON, err := encodeBody(resp.Body)
	if err != nil {
		return resp, ferrors.Wrap(ferrors.CodeInvalidGraphqlRequest, "coprocessor: failed to encode response body", err)
	}

	hasNext := resp.HasNext
	payload := CoprocessorPayload{
		Version:    1,
		Stage:      responseStageFor(stage),
		Control:    Control{},
		Headers:    resp.Header,
		Body:       bodyJSON,
		Context:    resp.Context,
		SDL:        c.SDL,
		StatusCode: resp.StatusCode,
		HasNext:    &hasNext,
	}

	result, err := c.call(ctx, payload)
	if err != nil {
		return resp, err
	}

	out := *resp
	if !result.Control.Continue() {
		out.StatusCode = result.Control.Break
	}
	if result.Headers != nil {
		out.Header = result.Headers
	}
	if len(result.Body) > 0 {
		out.Body = result.Body
	}
	if result.Context != nil {
		out.Context = result.Context
	}
	if result.StatusCode != 0 {
		out.StatusCode = result.StatusCode
	}
	return &out, nil
}

func (c *Coprocessor) call(ctx context.Context, payload CoprocessorPayload) (*CoprocessorPayload, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeInvalidGraphqlRequest, "coprocessor: failed to marshal payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeSubrequestHTTPError, "coprocessor: failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeSubrequestHTTPError, "coprocessor: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, ferrors.New(ferrors.CodeSubrequestHTTPError, fmt.Sprintf("coprocessor: HTTP %d", resp.StatusCode))
	}

	var result CoprocessorPayload
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ferrors.Wrap(ferrors.CodeSubrequestMalformedResponse, "coprocessor: failed to decode response", err)
	}
	return &result, nil
}

func encodeBody(body interface{}) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	if s, ok := body.(string); ok {
		// router-stage bodies are the raw request bytes per spec.md §6
		// ("body: string at router stages"); carry as a JSON string
		// rather than re-parsing them as GraphQL.
		return json.Marshal(s)
	}
	return json.Marshal(body)
}
