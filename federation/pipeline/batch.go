package pipeline

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

// OperationRequest is one element of a client-submitted batch: a JSON
// array of GraphQL operations at the router layer, per spec.md §4.8/§6.
type OperationRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// BatchConfig bounds router-layer query batching. A zero Enabled
// disables batching outright (clients submitting an array get
// BATCHING_NOT_ENABLED), matching subgraphclient's own BatchConfig in
// spirit but at the client-facing edge instead of the subgraph-facing
// one.
type BatchConfig struct {
	Enabled bool
	MaxSize int
}

// DecodeBatch reports whether raw is a JSON array (a batch request) as
// opposed to a single JSON object, and if so decodes it.
func DecodeBatch(raw []byte) (ops []OperationRequest, isBatch bool, err error) {
	trimmed := skipJSONWhitespace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false, nil
	}
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, true, ferrors.Wrap(ferrors.CodeInvalidGraphqlRequest, "malformed batch request", err)
	}
	return ops, true, nil
}

func skipJSONWhitespace(raw []byte) []byte {
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case ' ', '\t', '\r', '\n':
			i++
			continue
		}
		break
	}
	return raw[i:]
}

// Dispatch runs exec over each of ops concurrently, honoring cfg, and
// returns their responses in the same order as ops (§4.8: "dispatched
// concurrently... responses joined in order"). exec should turn
// per-operation GraphQL failures into a Response carrying errors rather
// than a Go error; an error returned from exec aborts the whole batch.
func Dispatch(ctx context.Context, cfg BatchConfig, ops []OperationRequest, exec func(ctx context.Context, op OperationRequest) (*Response, error)) ([]*Response, error) {
	if !cfg.Enabled {
		return nil, ferrors.New(ferrors.CodeBatchingNotEnabled, "query batching is not enabled")
	}
	if cfg.MaxSize > 0 && len(ops) > cfg.MaxSize {
		return nil, ferrors.New(ferrors.CodeBatchLimitExceeded, "batch exceeds configured maximum size")
	}

	results := make([]*Response, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			resp, err := exec(gctx, op)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
