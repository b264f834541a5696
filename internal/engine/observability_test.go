package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExpvarRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	ctx := context.Background()
	rec.Observe(ctx, "sync.run", true, 20*time.Millisecond)
	rec.Observe(ctx, "sync.run", true, 30*time.Millisecond)
	rec.Observe(ctx, "sync.run", false, 5*time.Millisecond)
	rec.Observe(ctx, "", true, time.Second) // ignored

	snap := rec.Snapshot()
	stats, ok := snap.Operations["sync.run"]
	if !ok || stats.Success != 2 || stats.Error != 1 {
		t.Fatalf("stats: %+v", snap.Operations)
	}
	if stats.DurationMS < 54 || stats.DurationMS > 56 {
		t.Fatalf("duration total: %v", stats.DurationMS)
	}
	if len(snap.Operations) != 1 {
		t.Fatalf("unexpected operations: %+v", snap.Operations)
	}
	if rec.Name() == "" {
		t.Fatalf("generated name empty")
	}
}

func TestJSONTracerRecordsSpans(t *testing.T) {
	var out bytes.Buffer
	tracer := NewJSONTracer(&out)
	ctx := context.Background()

	_, span := tracer.Start(ctx, "organize.run")
	span.End(nil)
	_, span = tracer.Start(ctx, "sync.run")
	span.End(errors.New("token expired"))

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries: %+v", entries)
	}
	if entries[0].Operation != "organize.run" || entries[0].Status != "success" {
		t.Fatalf("first span: %+v", entries[0])
	}
	if entries[1].Status != "error" || entries[1].Error != "token expired" {
		t.Fatalf("second span: %+v", entries[1])
	}

	var line TraceEntry
	dec := json.NewDecoder(&out)
	if err := dec.Decode(&line); err != nil || line.Operation != "organize.run" {
		t.Fatalf("encoded line: %+v err=%v", line, err)
	}
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx := context.Background()
	rec.Observe(ctx, "sync.run", true, 40*time.Millisecond)
	rec.Observe(ctx, "sync.run", false, 10*time.Millisecond)
	rec.Observe(ctx, "organize.run", true, 5*time.Millisecond)

	if got := testutil.ToFloat64(rec.results.WithLabelValues("sync.run", "success")); got != 1 {
		t.Fatalf("success counter: %v", got)
	}
	if got := testutil.ToFloat64(rec.results.WithLabelValues("sync.run", "error")); got != 1 {
		t.Fatalf("error counter: %v", got)
	}
	if got := testutil.CollectAndCount(rec.durations); got != 2 {
		t.Fatalf("histogram series: %v", got)
	}

	// Registering the same collectors twice fails.
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}
