package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveRequested(1_800_000)
	r.ObservePolicy(4, 2_000_000, 1.25)
	r.ObserveWriteError(4)
	r.ObserveWriteError(4)
	r.ObserveDecision("limit")
	r.ObserveState(2)
	r.ObserveEvent("start_fas")

	if got := testutil.ToFloat64(r.requested); got != 1_800_000 {
		t.Fatalf("requested = %v", got)
	}
	if got := testutil.ToFloat64(r.policyFreq.WithLabelValues("4")); got != 2_000_000 {
		t.Fatalf("policy limit = %v", got)
	}
	if got := testutil.ToFloat64(r.policyWeight.WithLabelValues("4")); got != 1.25 {
		t.Fatalf("policy weight = %v", got)
	}
	if got := testutil.ToFloat64(r.writeErrors.WithLabelValues("4")); got != 2 {
		t.Fatalf("write errors = %v", got)
	}
	if got := testutil.ToFloat64(r.state); got != 2 {
		t.Fatalf("state = %v", got)
	}
	if n := testutil.CollectAndCount(r.decisions); n != 1 {
		t.Fatalf("expected 1 decision series, got %d", n)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.ObserveRequested(1)
	r.ObservePolicy(0, 1, 1)
	r.ObserveWriteError(0)
	r.ObserveDecision("release")
	r.ObserveState(0)
	r.ObserveEvent("stop_fas")
	r.ObserveReload("ok")
}
