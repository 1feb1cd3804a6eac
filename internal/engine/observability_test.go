package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestExpvarRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	rec.IncCounter("mutations_committed", nil)
	rec.IncCounter("mutations_committed", nil)
	rec.IncCounter("commits_failed", map[string]string{"reason": "hard_fail"})
	rec.SetGauge("coherence_score", 0.75, map[string]string{"organism": "org-1"})
	rec.ObserveDuration("commit_seconds", 0.1, nil)
	rec.ObserveDuration("commit_seconds", 0.2, nil)

	snap := rec.Snapshot()
	if snap.Counters["mutations_committed"] != 2 {
		t.Fatalf("counter: got %d, want 2", snap.Counters["mutations_committed"])
	}
	if snap.Counters["commits_failed,reason=hard_fail"] != 1 {
		t.Fatalf("labeled counter missing: %v", snap.Counters)
	}
	if snap.Gauges["coherence_score,organism=org-1"] != 0.75 {
		t.Fatalf("gauge: %v", snap.Gauges)
	}
	if got := snap.Durations["commit_seconds"]; got < 0.29 || got > 0.31 {
		t.Fatalf("durations must accumulate, got %v", got)
	}
	if rec.Name() == "" {
		t.Fatalf("generated expvar name must not be empty")
	}
}

func TestJSONTracerRecordsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)

	_, finish := tracer.StartSpan(context.Background(), "engine.commit")
	finish(nil)
	_, finish = tracer.StartSpan(context.Background(), "engine.rollback")
	finish(fmt.Errorf("boom"))

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two spans, got %d", len(entries))
	}
	if entries[0].Operation != "engine.commit" || entries[0].Status != "success" {
		t.Fatalf("first span: %+v", entries[0])
	}
	if entries[1].Status != "error" || entries[1].Error != "boom" {
		t.Fatalf("failed span must carry the error: %+v", entries[1])
	}

	dec := json.NewDecoder(&buf)
	var lines int
	for dec.More() {
		var entry JSONTraceEntry
		if err := dec.Decode(&entry); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected two JSON lines, got %d", lines)
	}
}

func TestEngineEmitsMetricsAndSpans(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	tracer := NewJSONTracer(nil)
	e, _ := newTestEngine(t, WithMetricsRecorder(rec), WithTracer(tracer))
	org := mustOrganism(t, e)
	m := proposeMass(t, e, org.ID, 10)
	if _, err := e.Commit(context.Background(), m.ID, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap := rec.Snapshot()
	if snap.Counters["mutations_proposed"] != 1 || snap.Counters["mutations_committed"] != 1 {
		t.Fatalf("engine counters missing: %v", snap.Counters)
	}
	var sawCommitSpan bool
	for _, entry := range tracer.Entries() {
		if entry.Operation == "engine.commit" && entry.Status == "success" {
			sawCommitSpan = true
		}
	}
	if !sawCommitSpan {
		t.Fatalf("commit span not recorded: %+v", tracer.Entries())
	}
}

func TestPrometheusRecorderRegistersVectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	rec := NewPrometheusMetricsRecorder(registry, "")
	rec.IncCounter("mutations_committed", nil)
	rec.IncCounter("mutations_committed", nil)
	rec.SetGauge("coherence_score", 0.5, map[string]string{"organism": "org-1"})
	rec.ObserveDuration("commit_seconds", 0.05, nil)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	byName := make(map[string]bool, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = true
	}
	for _, want := range []string{
		"coherencecore_mutations_committed_total",
		"coherencecore_coherence_score",
		"coherencecore_commit_seconds",
	} {
		if !byName[want] {
			names := make([]string, 0, len(byName))
			for n := range byName {
				names = append(names, n)
			}
			t.Fatalf("metric %s not registered, have %s", want, strings.Join(names, ", "))
		}
	}
	if rec.Registry() != registry {
		t.Fatalf("recorder must expose its registry")
	}
}
