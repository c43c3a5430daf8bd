package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/gateway"
)

const productSchema = `
	type Product @key(fields: "id") {
		id: ID!
		name: String!
	}

	type Query {
		product(id: ID!): Product
	}
`

func writeSchemaFile(t *testing.T, schema string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "product.graphql")
	require.NoError(t, os.WriteFile(path, []byte(schema), 0o644))
	return path
}

func newTestGateway(t *testing.T, subgraphURL string, opts ...func(*gateway.GatewayOption)) http.Handler {
	t.Helper()
	settings := gateway.GatewayOption{
		ServiceName: "test-gateway",
		Services: []gateway.GatewayService{
			{Name: "product", Host: subgraphURL, SchemaFiles: []string{writeSchemaFile(t, productSchema)}},
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}
	gw, err := gateway.NewGateway(settings)
	require.NoError(t, err)
	return gw
}

func TestServeHTTPReturnsSubgraphData(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"product": map[string]any{"id": "1", "name": "Widget"}},
		})
	}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL)

	body := `{"query":"{ product(id: \"1\") { id name } }"}`
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp["data"].(map[string]any)
	product := data["product"].(map[string]any)
	assert.Equal(t, "Widget", product["name"])
}

func TestServeHTTPReportsParseErrorsAsGraphQLErrors(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL)

	body := `{"query":"{ product(id"}`
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["errors"])
}

func TestServeHTTPRejectsNonPostMethod(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL)

	req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeHTTPHandlesCORSPreflight(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL, func(o *gateway.GatewayOption) {
		o.CORS = gateway.CORSOption{AllowedOrigins: []string{"https://studio.example.com"}}
	})

	req := httptest.NewRequest(http.MethodOptions, "/graphql", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, "https://studio.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeHTTPEnforcesRateLimit(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"product": map[string]any{"id": "1", "name": "Widget"}},
		})
	}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL, func(o *gateway.GatewayOption) {
		o.RateLimit = gateway.RateLimitOption{RequestsPerWindow: 1, Window: "1m"}
	})

	body := `{"query":"{ product(id: \"1\") { id name } }"}`
	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.7:1234"
		return req
	}

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, newReq())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec2 := httptest.NewRecorder()
	gw.ServeHTTP(rec2, newReq())
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestServeHTTPAcceptsValidBearerToken(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"product": map[string]any{"id": "1", "name": "Widget"}},
		})
	}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL, func(o *gateway.GatewayOption) {
		o.Auth = gateway.AuthOption{JWTSecret: "test-secret", PartitionClaim: "tenant"}
	})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant": "acme-corp",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	body := `{"query":"{ product(id: \"1\") { id name } }"}`
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp["data"].(map[string]any)
	product := data["product"].(map[string]any)
	assert.Equal(t, "Widget", product["name"])
}

func TestServeHTTPIgnoresMalformedBearerToken(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"product": map[string]any{"id": "1", "name": "Widget"}},
		})
	}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL, func(o *gateway.GatewayOption) {
		o.Auth = gateway.AuthOption{JWTSecret: "test-secret"}
	})

	body := `{"query":"{ product(id: \"1\") { id name } }"}`
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTPHandlesBatchedOperations(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"product": map[string]any{"id": "1", "name": "Widget"}},
		})
	}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL, func(o *gateway.GatewayOption) {
		o.Batching = gateway.BatchingOption{Enabled: true, MaxSize: 5}
	})

	body := `[{"query":"{ product(id: \"1\") { id name } }"},{"query":"{ product(id: \"1\") { id name } }"}]`
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}

func TestServeHTTPRejectsBatchWhenDisabled(t *testing.T) {
	subgraph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer subgraph.Close()

	gw := newTestGateway(t, subgraph.URL)

	body := `[{"query":"{ product(id: \"1\") { id } }"}]`
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["errors"])
}
