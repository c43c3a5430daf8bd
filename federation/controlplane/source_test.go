package controlplane_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n9te9/federation-gateway/federation/controlplane"
)

func TestFileSourceLoadsManifestAndSchemas(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "products.graphql")
	require.NoError(t, os.WriteFile(schemaPath, []byte(productsSchema), 0o644))

	manifestPath := filepath.Join(dir, "manifest.json")
	manifest := `[{"name":"products","host":"http://products.local","schema_file":"` + schemaPath + `"}]`
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	src := controlplane.NewFileSource(manifestPath)
	sdls, hosts, err := src.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, productsSchema, sdls["products"])
	assert.Equal(t, "http://products.local", hosts["products"])
}

func TestFileSourceWatchFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "products.graphql")
	require.NoError(t, os.WriteFile(schemaPath, []byte(productsSchema), 0o644))

	manifestPath := filepath.Join(dir, "manifest.json")
	manifest := `[{"name":"products","host":"http://products.local","schema_file":"` + schemaPath + `"}]`
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	src := controlplane.NewFileSource(manifestPath)

	changed := make(chan struct{}, 1)
	require.NoError(t, src.Watch(t.Context(), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(schemaPath, []byte(productsSchema+"\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected watch callback on schema file change")
	}
}

func TestPollSourceLoadsFromHTTPEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"name": "products", "host": "http://products.local", "schema": productsSchema},
		})
	}))
	defer server.Close()

	src := controlplane.NewPollSource(server.URL, nil)
	sdls, hosts, err := src.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, productsSchema, sdls["products"])
	assert.Equal(t, "http://products.local", hosts["products"])
}

func TestOCISourceReturnsNotImplementedError(t *testing.T) {
	src := &controlplane.OCISource{ImageRef: "registry.example/gateway-schema:latest"}
	_, _, err := src.Load(t.Context())
	assert.Error(t, err)
}
