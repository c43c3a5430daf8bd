package server

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/n9te9/federation-gateway/gateway"
)

const defaultGatewayYAML = `service_name: federation-gateway
port: 4000
timeout_duration: 5s
drain_grace: 30s
plan_cache_capacity: 1000

services:
  - name: products
    host: http://localhost:4001/graphql
    schema_files:
      - schema/products.graphql

operation_limits:
  max_depth: 16
  max_height: 64
  max_aliases: 30
  max_root_fields: 20
  max_tokens: 5000
  max_recursion: 8
  max_introspection_depth: 2

limits:
  max_body_bytes: 1048576
  max_header_count: 64
  max_concurrent_requests: 200
  max_queue_depth: 500
  graceful_shutdown: 30s

batching:
  enabled: false
  max_size: 10

apq:
  enabled: false
  ttl: 1h

compute:
  workers: 4
  queue_size: 64

reporting:
  flush_interval: 5s
  max_batch_size: 100

cors:
  allowed_origins: []

rate_limit:
  requests_per_window: 0
  window: 1m

auth:
  jwt_secret: ""
  partition_claim: sub

opentelemetry:
  tracing:
    enable: false
`

// Init scaffolds a gateway.yaml in the current directory, the same
// config file loadGatewaySetting reads in Run. It refuses to overwrite
// an existing file so re-running init in a populated project is a
// no-op rather than a silent reset.
func Init() error {
	const path = "gateway.yaml"

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(defaultGatewayYAML), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// RunGateway starts a gateway built directly from settings on its own
// listener, independent of the YAML-config-driven Run entry point.
// Useful for embedding a gateway in a larger process without going
// through gateway.yaml.
func RunGateway(settings gateway.GatewayOption, addr string) error {
	gw, err := gateway.NewGateway(settings)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: gw,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	return nil
}
