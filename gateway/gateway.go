package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/n9te9/federation-gateway/federation/cache"
	"github.com/n9te9/federation-gateway/federation/compute"
	"github.com/n9te9/federation-gateway/federation/controlplane"
	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/executor"
	"github.com/n9te9/federation-gateway/federation/operation"
	"github.com/n9te9/federation-gateway/federation/pipeline"
	"github.com/n9te9/federation-gateway/federation/planner"
	"github.com/n9te9/federation-gateway/federation/reporting"
)

// requestContextAuthPartitionKey/requestContextRequestIDKey are the keys a
// request's pipeline.Request.Context map carries, set by
// authenticateRequest and read back in executeOperation/recordTrace.
const (
	requestContextAuthPartitionKey = "auth_partition_key"
	requestContextRequestIDKey     = "request_id"
)

type GatewayService struct {
	Name        string   `yaml:"name"`
	Host        string   `yaml:"host"`
	SchemaFiles []string `yaml:"schema_files"`
}

type LimitsOption struct {
	MaxBodyBytes          int64  `yaml:"max_body_bytes"`
	MaxHeaderCount        int    `yaml:"max_header_count"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
	MaxQueueDepth         int    `yaml:"max_queue_depth"`
	EarlyCancel           bool   `yaml:"early_cancel"`
	GracefulShutdown      string `yaml:"graceful_shutdown" default:"30s"`
}

type OperationLimitsOption struct {
	MaxDepth              int `yaml:"max_depth"`
	MaxHeight             int `yaml:"max_height"`
	MaxAliases            int `yaml:"max_aliases"`
	MaxRootFields         int `yaml:"max_root_fields"`
	MaxTokens             int `yaml:"max_tokens"`
	MaxRecursion          int `yaml:"max_recursion"`
	MaxIntrospectionDepth int `yaml:"max_introspection_depth"`
}

type BatchingOption struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
}

type APQOption struct {
	Enabled bool   `yaml:"enabled"`
	TTL     string `yaml:"ttl" default:"1h"`
}

type CoprocessorOption struct {
	URL            string `yaml:"url"`
	EnableRequest  bool   `yaml:"enable_request" default:"true"`
	EnableResponse bool   `yaml:"enable_response" default:"true"`
}

type ComputeOption struct {
	Workers   int `yaml:"workers" default:"4"`
	QueueSize int `yaml:"queue_size" default:"64"`
}

type ReportingOption struct {
	Endpoint      string `yaml:"endpoint"`
	FlushInterval string `yaml:"flush_interval" default:"5s"`
	MaxBatchSize  int    `yaml:"max_batch_size"`
}

// CORSOption configures the go-chi/cors preflight handler mounted at the
// router edge. An empty AllowedOrigins disables CORS handling entirely
// (same-origin-only, the teacher's original behavior).
type CORSOption struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// RateLimitOption configures go-chi/httprate's per-client request-rate
// limiting, mounted ahead of LimitGuard's concurrency/queue-depth admission
// control — a distinct concern (requests per time window per client vs.
// requests running at once).
type RateLimitOption struct {
	RequestsPerWindow int    `yaml:"requests_per_window"`
	Window            string `yaml:"window" default:"1m"`
}

// AuthOption configures bearer JWT parsing at the router layer. An empty
// JWTSecret disables verification and the gateway runs unpartitioned
// (authPartition is always ""), matching its original behavior.
type AuthOption struct {
	JWTSecret      string `yaml:"jwt_secret"`
	PartitionClaim string `yaml:"partition_claim" default:"sub"`
}

type GatewayOption struct {
	Endpoint                    string                `yaml:"endpoint"`
	ServiceName                 string                `yaml:"service_name"`
	Port                        int                   `yaml:"port"`
	TimeoutDuration             string                `yaml:"timeout_duration" default:"5s"`
	EnableHangOverRequestHeader bool                  `yaml:"enable_hang_over_request_header" default:"true"`
	Services                    []GatewayService      `yaml:"services"`
	Opentelemetry               OpentelemetrySetting  `yaml:"opentelemetry"`
	Limits                      LimitsOption          `yaml:"limits"`
	OperationLimits             OperationLimitsOption `yaml:"operation_limits"`
	Batching                    BatchingOption        `yaml:"batching"`
	APQ                         APQOption             `yaml:"apq"`
	CSRFRequiredHeaders         []string              `yaml:"csrf_required_headers"`
	Coprocessor                 CoprocessorOption     `yaml:"coprocessor"`
	Compute                     ComputeOption         `yaml:"compute"`
	Reporting                   ReportingOption       `yaml:"reporting"`
	PlanCacheCapacity           int                   `yaml:"plan_cache_capacity"`
	DrainGrace                  string                `yaml:"drain_grace" default:"30s"`
	CORS                        CORSOption            `yaml:"cors"`
	RateLimit                   RateLimitOption       `yaml:"rate_limit"`
	Auth                        AuthOption            `yaml:"auth"`
}

type OpentelemetrySetting struct {
	TracingSetting OpentelemetryTracingSetting `yaml:"tracing"`
}

type OpentelemetryTracingSetting struct {
	Enable bool `yaml:"enable" default:"false"`
}

// gateway is the top-level GraphQL entry point: it terminates the
// client HTTP connection, runs the pipeline hook stack, and hands
// parsed operations to the active controlplane.Pipeline for
// planning and execution.
type gateway struct {
	graphQLEndpoint string
	serviceName     string

	cp       *controlplane.ControlPlane
	handler  pipeline.Handler
	limits   *pipeline.LimitGuard
	csrf     pipeline.CSRFConfig
	batching pipeline.BatchConfig
	apq      *cache.APQStore
	compute  *compute.Pool
	reporter *reporting.Reporter

	opLimits operation.Limits

	enableHangOverRequestHeader bool

	// router carries the edge-of-process concerns that run ahead of the
	// request pipeline's own hooks: CORS preflight and per-client rate
	// limiting. Both are no-ops when unconfigured, so router degrades to
	// a bare pass-through to serveGraphQL.
	router http.Handler

	authSecret         []byte
	authPartitionClaim string
}

var _ http.Handler = (*gateway)(nil)

func NewGateway(settings GatewayOption) (*gateway, error) {
	sdls := make(map[string]string, len(settings.Services))
	hosts := make(map[string]string, len(settings.Services))
	for _, s := range settings.Services {
		var schema []byte
		for _, f := range s.SchemaFiles {
			src, err := os.ReadFile(f)
			if err != nil {
				return nil, err
			}
			schema = append(schema, src...)
		}
		sdls[s.Name] = string(schema)
		hosts[s.Name] = s.Host
	}

	timeout := 5 * time.Second
	if settings.TimeoutDuration != "" {
		if d, err := time.ParseDuration(settings.TimeoutDuration); err == nil {
			timeout = d
		}
	}
	httpClient := &http.Client{Timeout: timeout}
	if settings.Opentelemetry.TracingSetting.Enable {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	var entityCache *cache.EntityCache
	drainGrace := 30 * time.Second
	if settings.DrainGrace != "" {
		if d, err := time.ParseDuration(settings.DrainGrace); err == nil {
			drainGrace = d
		}
	}

	cp := controlplane.New(controlplane.Config{
		HTTPClient:        httpClient,
		EntityCache:       entityCache,
		PlanCacheCapacity: settings.PlanCacheCapacity,
		DrainGrace:        drainGrace,
		Logger:            slog.Default(),
	})
	if err := cp.Reload(context.Background(), sdls, hosts, nil); err != nil {
		return nil, err
	}

	var apqStore *cache.APQStore
	if settings.APQ.Enabled {
		ttl := time.Hour
		if settings.APQ.TTL != "" {
			if d, err := time.ParseDuration(settings.APQ.TTL); err == nil {
				ttl = d
			}
		}
		apqStore = cache.NewAPQStore(cache.NewMemoryStore(5000, ttl), ttl)
	}

	computePool := compute.NewPool(
		orDefault(settings.Compute.Workers, 4),
		orDefault(settings.Compute.QueueSize, 64),
		slog.Default(),
	)

	reportFlush := 5 * time.Second
	if settings.Reporting.FlushInterval != "" {
		if d, err := time.ParseDuration(settings.Reporting.FlushInterval); err == nil {
			reportFlush = d
		}
	}
	reporter := reporting.New(reporting.Config{
		Endpoint:      settings.Reporting.Endpoint,
		FlushInterval: reportFlush,
		MaxBatchSize:  settings.Reporting.MaxBatchSize,
		ServiceName:   settings.ServiceName,
	})
	reporter.Start()

	limitGuard := pipeline.NewLimitGuard(pipeline.Limits{
		MaxBodyBytes:          settings.Limits.MaxBodyBytes,
		MaxHeaderCount:        settings.Limits.MaxHeaderCount,
		MaxConcurrentRequests: settings.Limits.MaxConcurrentRequests,
		MaxQueueDepth:         settings.Limits.MaxQueueDepth,
		EarlyCancel:           settings.Limits.EarlyCancel,
	})

	csrfCfg := pipeline.DefaultCSRFConfig()
	if len(settings.CSRFRequiredHeaders) > 0 {
		csrfCfg = pipeline.CSRFConfig{RequiredHeaders: settings.CSRFRequiredHeaders}
	}

	partitionClaim := settings.Auth.PartitionClaim
	if partitionClaim == "" {
		partitionClaim = "sub"
	}

	g := &gateway{
		graphQLEndpoint:             settings.Endpoint,
		serviceName:                 settings.ServiceName,
		cp:                          cp,
		limits:                      limitGuard,
		csrf:                        csrfCfg,
		batching:                    pipeline.BatchConfig{Enabled: settings.Batching.Enabled, MaxSize: settings.Batching.MaxSize},
		apq:                         apqStore,
		compute:                     computePool,
		reporter:                    reporter,
		enableHangOverRequestHeader: settings.EnableHangOverRequestHeader,
		authPartitionClaim:          partitionClaim,
		opLimits: operation.Limits{
			MaxDepth:              settings.OperationLimits.MaxDepth,
			MaxHeight:             settings.OperationLimits.MaxHeight,
			MaxAliases:            settings.OperationLimits.MaxAliases,
			MaxRootFields:         settings.OperationLimits.MaxRootFields,
			MaxTokens:             settings.OperationLimits.MaxTokens,
			MaxRecursion:          settings.OperationLimits.MaxRecursion,
			MaxIntrospectionDepth: settings.OperationLimits.MaxIntrospectionDepth,
		},
	}
	if settings.Auth.JWTSecret != "" {
		g.authSecret = []byte(settings.Auth.JWTSecret)
	}

	p := pipeline.New()
	// Recovering every error as a GraphQL-shaped 200 response at the
	// outermost layer keeps per-operation failures (parse, validation,
	// planning, execution) from aborting the rest of a batch: batch.Dispatch
	// only aborts the whole batch on a hard Go error escaping exec, and
	// this hook ensures one never does.
	p.Router.UseError(g.recoverAsGraphQLError)
	p.Router.UseRequest(g.authenticateRequest)
	if settings.Coprocessor.URL != "" {
		coproc := pipeline.NewCoprocessor(settings.Coprocessor.URL, httpClient)
		coproc.EnableRequest = settings.Coprocessor.EnableRequest
		coproc.EnableResponse = settings.Coprocessor.EnableResponse
		p.Router.Coprocessor = coproc
		p.Supergraph.Coprocessor = coproc
		p.Execution.Coprocessor = coproc
		p.Subgraph.Coprocessor = coproc
	}
	g.handler = p.Build(g.executeOperation)
	g.router = g.buildRouter(settings)

	return g, nil
}

// buildRouter mounts the edge-of-process concerns chi/cors/httprate cover
// ahead of serveGraphQL: CORS preflight, then per-client rate limiting,
// then the existing CSRF/LimitGuard chain. Each is a no-op when
// unconfigured, so an empty GatewayOption behaves exactly as it did before
// this router existed.
func (g *gateway) buildRouter(settings GatewayOption) http.Handler {
	r := chi.NewRouter()

	if len(settings.CORS.AllowedOrigins) > 0 {
		allowedHeaders := settings.CORS.AllowedHeaders
		if len(allowedHeaders) == 0 {
			allowedHeaders = []string{"Content-Type", "Authorization", "Apollo-Require-Preflight", "X-Apollo-Operation-Name"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: settings.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: allowedHeaders,
		}))
	}

	if settings.RateLimit.RequestsPerWindow > 0 {
		window := time.Minute
		if settings.RateLimit.Window != "" {
			if d, err := time.ParseDuration(settings.RateLimit.Window); err == nil {
				window = d
			}
		}
		r.Use(httprate.LimitByIP(settings.RateLimit.RequestsPerWindow, window))
	}

	r.Handle("/*", g.csrf.Middleware(g.limits.Middleware(http.HandlerFunc(g.serveGraphQL))))
	return r
}

// orDefault returns n, or fallback when n is zero.
func orDefault(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

// graphQLRequest is the wire shape of a single client operation,
// including the Apollo persisted-query extension.
type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Extensions    struct {
		PersistedQuery *struct {
			Sha256Hash string `json:"sha256Hash"`
		} `json:"persistedQuery"`
	} `json:"extensions"`
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *gateway) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw, err := readAll(r)
	if err != nil {
		writeTransportError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()

	ops, isBatch, err := pipeline.DecodeBatch(raw)
	if err != nil {
		writeGraphQLError(w, err)
		return
	}

	if !isBatch {
		var single graphQLRequest
		if err := json.Unmarshal(raw, &single); err != nil {
			writeTransportError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := g.runOperation(ctx, r, single)
		if err != nil {
			writeGraphQLError(w, err)
			return
		}
		writeResponse(w, resp)
		return
	}

	reqs := make([]graphQLRequest, len(ops))
	for i, op := range ops {
		reqs[i] = graphQLRequest{Query: op.Query, OperationName: op.OperationName, Variables: op.Variables}
	}

	results, err := pipeline.Dispatch(ctx, g.batching, toOperationRequests(reqs), func(opCtx context.Context, op pipeline.OperationRequest) (*pipeline.Response, error) {
		return g.handler(opCtx, &pipeline.Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header,
			Body:   op,
		})
	})
	if err != nil {
		writeGraphQLError(w, err)
		return
	}

	bodies := make([]json.RawMessage, len(results))
	for i, res := range results {
		if res == nil {
			bodies[i] = json.RawMessage(`{"errors":[{"message":"operation did not complete"}]}`)
			continue
		}
		b, _ := json.Marshal(res.Body)
		bodies[i] = b
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bodies)
}

func toOperationRequests(reqs []graphQLRequest) []pipeline.OperationRequest {
	ops := make([]pipeline.OperationRequest, len(reqs))
	for i, r := range reqs {
		ops[i] = pipeline.OperationRequest{Query: r.Query, OperationName: r.OperationName, Variables: r.Variables}
	}
	return ops
}

// runOperation resolves a single client request (including the APQ
// handshake) and runs it through the pipeline.
func (g *gateway) runOperation(ctx context.Context, r *http.Request, req graphQLRequest) (*pipeline.Response, error) {
	query := req.Query
	if g.apq != nil && req.Extensions.PersistedQuery != nil {
		resolved, err := g.apq.Lookup(ctx, req.Extensions.PersistedQuery.Sha256Hash, req.Query)
		if err != nil {
			if errors.Is(err, cache.ErrPersistedQueryNotFound) {
				return nil, ferrors.New(ferrors.CodePersistedQueryNotFound, "persisted query not found")
			}
			return nil, ferrors.Wrap(ferrors.CodeInvalidGraphqlRequest, "persisted query resolution failed", err)
		}
		query = resolved
	}

	return g.handler(ctx, &pipeline.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Body:   pipeline.OperationRequest{Query: query, OperationName: req.OperationName, Variables: req.Variables},
	})
}

// executeOperation is the pipeline's innermost Handler: it parses,
// plans, and executes one already-batching/coprocessor-decorated
// operation against the currently active controlplane.Pipeline.
func (g *gateway) executeOperation(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	op, ok := req.Body.(pipeline.OperationRequest)
	if !ok {
		return nil, ferrors.New(ferrors.CodeInvalidGraphqlRequest, "pipeline request body is not an operation")
	}

	active := g.cp.Active()
	if active == nil {
		return nil, ferrors.New(ferrors.CodeFetchError, "gateway has no active schema")
	}

	active.BeginRequest()
	defer active.EndRequest()

	start := time.Now()

	authPartition, _ := req.Context[requestContextAuthPartitionKey].(string)

	// Parsing, validation and planning are CPU-bound and independent of
	// any subgraph round-trip, so they run on the compute pool rather
	// than the request goroutine directly.
	planResult, err := g.compute.Submit(ctx, "plan", func(jobCtx context.Context) (interface{}, error) {
		parsed, perr := operation.ParseAndValidate(op.Query, op.OperationName, op.Variables, active.SuperGraph, g.opLimits, authPartition)
		if perr != nil {
			return nil, ferrors.Wrap(ferrors.CodeValidationError, perr.Error(), perr)
		}

		fingerprint := cache.HashOf(op.Query + "|" + op.OperationName + "|" + authPartition)
		plan, perr2 := active.PlanCache.GetOrBuild(jobCtx, fingerprint, func() (*planner.Plan, error) {
			return active.Planner.Plan(parsed.Document, op.Variables)
		})
		if perr2 != nil {
			return nil, ferrors.Wrap(ferrors.CodeNoPlanFound, "failed to plan operation", perr2)
		}
		return &plannedOperation{operation: parsed, plan: plan}, nil
	})
	if err != nil {
		return nil, err
	}
	planned := planResult.(*plannedOperation)

	result, err := active.Executor.Execute(ctx, planned.plan, op.Variables)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeFetchError, "execution failed", err)
	}

	resp := map[string]any{"data": result.Data}
	if len(result.Errors) > 0 {
		resp["errors"] = result.Errors
	}

	requestID, _ := req.Context[requestContextRequestIDKey].(string)
	g.recordTrace(requestID, op, planned.operation, start, result)

	respCtx := map[string]interface{}{}
	if requestID != "" {
		respCtx[requestContextRequestIDKey] = requestID
	}
	hasNext := len(result.Deferred) > 0
	if hasNext {
		respCtx["deferred"] = result.Deferred
	}

	return &pipeline.Response{StatusCode: http.StatusOK, Body: resp, HasNext: hasNext, Context: respCtx}, nil
}

// plannedOperation bundles a parsed Operation with its resolved Plan,
// the unit the compute pool hands back from the plan job.
type plannedOperation struct {
	operation *operation.Operation
	plan      *planner.Plan
}

// recoverAsGraphQLError turns any error reaching the router layer into
// a normal 200 GraphQL response carrying an errors array, per the
// GraphQL-over-HTTP convention of reporting operation failures in the
// response body rather than the status line.
func (g *gateway) recoverAsGraphQLError(ctx context.Context, err error) (*pipeline.Response, error) {
	gqlErr := map[string]any{"message": err.Error()}
	if code, ok := ferrors.CodeOf(err); ok {
		gqlErr["extensions"] = map[string]any{"code": string(code)}
	}
	return &pipeline.Response{
		StatusCode: http.StatusOK,
		Body:       map[string]any{"errors": []map[string]any{gqlErr}},
	}, nil
}

// recordTrace reports one operation's usage trace, a no-op when no
// reporting endpoint is configured.
func (g *gateway) recordTrace(requestID string, op pipeline.OperationRequest, parsed *operation.Operation, start time.Time, result *executor.Result) {
	key := parsed.Name
	if key == "" {
		key = op.Query
	}
	g.reporter.Record(reporting.Trace{
		StatsReportKey: key,
		RequestID:      requestID,
		StartTime:      start,
		Duration:       time.Since(start),
		HasErrors:      len(result.Errors) > 0,
	})
}

// authenticateRequest is a router-layer RequestHook: it stamps every
// request with a fresh request ID (google/uuid) and, when a JWT secret is
// configured, verifies the bearer token on an Authorization header and
// lifts its partition claim into req.Context so executeOperation can fold
// it into the plan cache fingerprint's auth partition bucket. An absent,
// malformed, or unsigned-for-this-secret token is treated the same as no
// Authorization header at all — auth partitioning degrades to the
// unpartitioned "" bucket rather than failing the request, since the
// gateway does not itself make authorization decisions.
func (g *gateway) authenticateRequest(ctx context.Context, req *pipeline.Request) (*pipeline.Request, *pipeline.Response, error) {
	if req.Context == nil {
		req.Context = map[string]interface{}{}
	}
	req.Context[requestContextRequestIDKey] = uuid.NewString()

	if g.authSecret == nil {
		return req, nil, nil
	}

	authHeader := req.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == "" || tokenString == authHeader {
		return req, nil, nil
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.authSecret, nil
	})
	if err != nil || !token.Valid {
		return req, nil, nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return req, nil, nil
	}

	if partition, ok := claims[g.authPartitionClaim].(string); ok && partition != "" {
		req.Context[requestContextAuthPartitionKey] = partition
	}

	return req, nil, nil
}
