package pipeline_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/pipeline"
)

func TestStreamWriterDeferContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := pipeline.NewStreamWriter(rec, pipeline.MultipartDefer)

	require.NoError(t, sw.WritePart(map[string]any{"data": map[string]any{"a": 1}, "hasNext": true}, true))
	require.NoError(t, sw.WritePart(map[string]any{"incremental": []any{}, "hasNext": false}, false))

	ct := rec.Header().Get("Content-Type")
	assert.Contains(t, ct, "multipart/mixed")
	assert.Contains(t, ct, "boundary=graphql")
	assert.Contains(t, ct, "deferSpec=20220824")

	body := rec.Body.String()
	assert.True(t, strings.Count(body, "--graphql\r\n") >= 2)
	assert.Contains(t, body, "--graphql--\r\n")
}

func TestStreamWriterSubscriptionContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := pipeline.NewStreamWriter(rec, pipeline.MultipartSubscription)
	require.NoError(t, sw.WritePart(map[string]any{"data": map[string]any{"ping": true}}, true))

	assert.Contains(t, rec.Header().Get("Content-Type"), "subscriptionSpec=1.0")
}
