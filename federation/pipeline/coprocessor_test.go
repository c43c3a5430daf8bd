package pipeline_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/pipeline"
)

func TestCoprocessorCallRequestContinuesAndRewritesHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload pipeline.CoprocessorPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, pipeline.StageRouterRequest, payload.Stage)

		payload.Headers = http.Header{"X-Injected": []string{"yes"}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	cp := pipeline.NewCoprocessor(server.URL, nil)
	req, resp, err := cp.CallRequest(t.Context(), pipeline.StageRouter, &pipeline.Request{Body: "query { x }"})
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "yes", req.Header.Get("X-Injected"))
}

func TestCoprocessorCallRequestBreaksWithStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload pipeline.CoprocessorPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		payload.Control = pipeline.Control{Break: 403}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	cp := pipeline.NewCoprocessor(server.URL, nil)
	_, resp, err := cp.CallRequest(t.Context(), pipeline.StageRouter, &pipeline.Request{Body: "query { x }"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestCoprocessorDisabledSkipsCall(t *testing.T) {
	cp := pipeline.NewCoprocessor("http://unused.invalid", nil)
	cp.EnableRequest = false

	req := &pipeline.Request{Body: "query { x }"}
	out, resp, err := cp.CallRequest(t.Context(), pipeline.StageRouter, req)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Same(t, req, out)
}

func TestControlJSONRoundTrip(t *testing.T) {
	continued := pipeline.Control{}
	raw, err := json.Marshal(continued)
	require.NoError(t, err)
	assert.Equal(t, `"continue"`, string(raw))

	broke := pipeline.Control{Break: 429}
	raw, err = json.Marshal(broke)
	require.NoError(t, err)
	assert.JSONEq(t, `{"break":429}`, string(raw))

	var decoded pipeline.Control
	require.NoError(t, json.Unmarshal([]byte(`"continue"`), &decoded))
	assert.True(t, decoded.Continue())

	require.NoError(t, json.Unmarshal([]byte(`{"break":500}`), &decoded))
	assert.False(t, decoded.Continue())
	assert.Equal(t, 500, decoded.Break)
}
