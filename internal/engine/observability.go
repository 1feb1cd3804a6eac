package engine

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder receives engine counters, gauges, and durations. Labels may
// be nil.
type MetricsRecorder interface {
	IncCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveDuration(name string, seconds float64, labels map[string]string)
}

// Tracer opens spans around engine operations. The returned finish function
// must be called exactly once with the operation's outcome.
type Tracer interface {
	StartSpan(ctx context.Context, operation string) (context.Context, func(err error))
}

// NoopMetricsRecorder discards all metrics.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) IncCounter(string, map[string]string)                {}
func (NoopMetricsRecorder) SetGauge(string, float64, map[string]string)        {}
func (NoopMetricsRecorder) ObserveDuration(string, float64, map[string]string) {}

// NoopTracer discards all spans.
type NoopTracer struct{}

func (NoopTracer) StartSpan(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

var expvarSeq uint64

// ExpvarMetricsRecorder publishes counters, gauges, and cumulative durations
// via expvar, for deployments that prefer process-local metrics without an
// external scrape target.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	counters  map[string]int64
	gauges    map[string]float64
	durations map[string]float64
}

// ExpvarMetricsSnapshot captures a read-only view of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	Counters   map[string]int64   `json:"counters_total"`
	Gauges     map[string]float64 `json:"gauges"`
	Durations  map[string]float64 `json:"durations_seconds_total"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// NewExpvarMetricsRecorder constructs an expvar-backed recorder and publishes
// it under the supplied name. When name is empty, a unique identifier is
// generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("engine_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		counters:  make(map[string]int64),
		gauges:    make(map[string]float64),
		durations: make(map[string]float64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	durations := make(map[string]float64, len(r.durations))
	for k, v := range r.durations {
		durations[k] = v
	}
	return ExpvarMetricsSnapshot{
		Counters:   counters,
		Gauges:     gauges,
		Durations:  durations,
		RecordedAt: time.Now().UTC(),
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	key := name
	for _, k := range sortedKeys(labels) {
		key += "," + k + "=" + labels[k]
	}
	return key
}

// IncCounter implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	r.counters[metricKey(name, labels)]++
	r.mu.Unlock()
}

// SetGauge implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	r.gauges[metricKey(name, labels)] = value
	r.mu.Unlock()
}

// ObserveDuration implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) ObserveDuration(name string, seconds float64, labels map[string]string) {
	r.mu.Lock()
	r.durations[metricKey(name, labels)] += seconds
	r.mu.Unlock()
}

// JSONTraceEntry represents a serialized trace span emitted by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer serializes spans to a writer and retains them for
// inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer constructs a tracer that writes spans as JSON lines to the
// writer. The tracer retains all encoded spans for later inspection via
// Entries().
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}
	return &JSONTraceTracer{enc: enc}
}

// Entries returns a copy of all recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// StartSpan implements the Tracer interface.
func (t *JSONTraceTracer) StartSpan(ctx context.Context, operation string) (context.Context, func(error)) {
	started := time.Now().UTC()
	return ctx, func(err error) {
		status := "success"
		var errMsg string
		if err != nil {
			status = "error"
			errMsg = err.Error()
		}
		ended := time.Now().UTC()
		entry := JSONTraceEntry{
			Operation:  operation,
			Status:     status,
			DurationMS: float64(ended.Sub(started)) / float64(time.Millisecond),
			Error:      errMsg,
			StartedAt:  started,
			EndedAt:    ended,
		}
		t.mu.Lock()
		t.entries = append(t.entries, entry)
		if t.enc != nil {
			_ = t.enc.Encode(entry)
		}
		t.mu.Unlock()
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
