package gateway

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/executor"
	"github.com/n9te9/federation-gateway/federation/pipeline"
)

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeTransportError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]any{{"message": err.Error()}},
	})
}

// writeGraphQLError replies with a GraphQL-shaped error body, carrying
// err's federation/errors.Code as extensions.code when it has one.
func writeGraphQLError(w http.ResponseWriter, err error) {
	gqlErr := map[string]any{"message": err.Error()}
	if code, ok := ferrors.CodeOf(err); ok {
		gqlErr["extensions"] = map[string]any{"code": string(code)}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]any{gqlErr},
	})
}

// writeResponse writes resp as the HTTP response body. When resp has
// deferred payloads queued (HasNext with a "deferred" Context entry),
// the primary body and every deferred chunk are streamed as
// multipart/mixed parts instead of a single JSON document.
func writeResponse(w http.ResponseWriter, resp *pipeline.Response) {
	deferred, _ := resp.Context["deferred"].([]executor.DeferredPayload)
	if len(deferred) == 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp.Body)
		return
	}

	sw := pipeline.NewStreamWriter(w, pipeline.MultipartDefer)
	if err := sw.WritePart(resp.Body, true); err != nil {
		return
	}
	for i, chunk := range deferred {
		payload := map[string]any{
			"label": chunk.Label,
			"path":  chunk.Path,
			"data":  chunk.Data,
		}
		if len(chunk.Errors) > 0 {
			payload["errors"] = chunk.Errors
		}
		if err := sw.WritePart(payload, i < len(deferred)-1); err != nil {
			return
		}
	}
}

// Start serves the gateway on port, blocking until the server exits.
func (g *gateway) Start(port int) error {
	fmt.Printf("Gateway started on port %d\n", port)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), g)
}
