// Package reporting batches per-operation usage traces and periodically
// ships them to a configurable endpoint, mirroring the shape of the
// `Report`/`Trace` messages spec.md §6 names. No generated protobuf
// client for that schema exists anywhere in the example pack (see
// DESIGN.md), so reports are encoded as JSON instead of the wire
// protobuf format; every other piece of the reporting lifecycle —
// per-operation trace accumulation, timed batch flush, graceful
// shutdown drain — follows spec.md's semantics exactly.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SubgraphTrace is one subgraph fetch within a Trace.
type SubgraphTrace struct {
	ServiceName string        `json:"serviceName"`
	Duration    time.Duration `json:"durationNs"`
	HasErrors   bool          `json:"hasErrors"`
}

// Trace is one executed operation's usage record: its signature
// (operation name or a fingerprint when anonymous), overall duration,
// and the per-subgraph fetches it issued.
type Trace struct {
	StatsReportKey string          `json:"statsReportKey"`
	RequestID      string          `json:"requestId,omitempty"`
	StartTime      time.Time       `json:"startTime"`
	Duration       time.Duration   `json:"durationNs"`
	HasErrors      bool            `json:"hasErrors"`
	Subgraphs      []SubgraphTrace `json:"subgraphs,omitempty"`
}

// Report is a batch of Traces grouped by StatsReportKey, the unit
// periodically POSTed to the configured endpoint.
type Report struct {
	Header       ReportHeader       `json:"header"`
	TracesPerKey map[string][]Trace `json:"tracesPerKey"`
	EndTime      time.Time          `json:"endTime"`
}

// ReportHeader identifies the gateway instance emitting a Report.
type ReportHeader struct {
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agentVersion"`
	ServiceName  string `json:"serviceName"`
}

// Config controls batch size/timing and the destination endpoint. A
// zero Endpoint disables reporting: Record becomes a no-op and no
// goroutine is started.
type Config struct {
	Endpoint      string
	HTTPClient    *http.Client
	FlushInterval time.Duration
	MaxBatchSize  int
	Hostname      string
	ServiceName   string
	AgentVersion  string
	Logger        *slog.Logger
}

// Reporter accumulates Traces in memory and flushes them as a Report on
// a timer, grounded on the batch/timer-driven flush otel/sdk's
// BatchSpanProcessor uses for exactly the same "don't block the request
// path on every single export" reason.
type Reporter struct {
	cfg    Config
	mu     sync.Mutex
	traces map[string][]Trace
	count  int

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// New returns a Reporter. Call Start to begin the periodic flush loop
// and Stop to drain on shutdown.
func New(cfg Config) *Reporter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reporter{
		cfg:      cfg,
		traces:   make(map[string][]Trace),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Record adds trace to the current in-memory batch, flushing
// immediately if MaxBatchSize is reached. A no-op Reporter (no
// Endpoint configured) still accepts Record calls but never exports
// anything, so callers never need to branch on whether reporting is
// enabled.
func (r *Reporter) Record(trace Trace) {
	if r.cfg.Endpoint == "" {
		return
	}

	r.mu.Lock()
	r.traces[trace.StatsReportKey] = append(r.traces[trace.StatsReportKey], trace)
	r.count++
	full := r.count >= r.cfg.MaxBatchSize
	r.mu.Unlock()

	if full {
		r.flush(context.Background())
	}
}

// Start runs the periodic flush loop until Stop is called. Safe to
// call at most once.
func (r *Reporter) Start() {
	if r.cfg.Endpoint == "" {
		close(r.done)
		return
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.flush(context.Background())
			case <-r.stopChan:
				r.flush(context.Background())
				return
			}
		}
	}()
}

// Stop signals the flush loop to exit after one final flush, and waits
// for it to finish or ctx to expire.
func (r *Reporter) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.traces) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.traces
	r.traces = make(map[string][]Trace)
	r.count = 0
	r.mu.Unlock()

	report := Report{
		Header: ReportHeader{
			Hostname:     r.cfg.Hostname,
			AgentVersion: r.cfg.AgentVersion,
			ServiceName:  r.cfg.ServiceName,
		},
		TracesPerKey: batch,
		EndTime:      time.Now(),
	}

	if err := r.send(ctx, report); err != nil {
		r.cfg.Logger.Warn("usage report export failed", "error", err, "traces_dropped", countTraces(batch))
	}
}

func (r *Reporter) send(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("reporting: failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reporting: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("reporting: export request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("reporting: export endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func countTraces(batch map[string][]Trace) int {
	n := 0
	for _, traces := range batch {
		n += len(traces)
	}
	return n
}
