// Package metrics exposes controller state as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fasd"

// Recorder publishes controller metrics. A nil Recorder discards everything,
// so components can be constructed without metrics in tests.
type Recorder struct {
	requested    prometheus.Gauge
	policyFreq   *prometheus.GaugeVec
	policyWeight *prometheus.GaugeVec
	writeErrors  *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	state        prometheus.Gauge
	events       *prometheus.CounterVec
	reloads      *prometheus.CounterVec
}

// NewRecorder registers the controller metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		requested: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "requested_khz",
			Help:      "Unweighted frequency currently requested by the controller.",
		}),
		policyFreq: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "limit_khz",
			Help:      "Frequency limit last written to each cpufreq policy.",
		}, []string{"policy"}),
		policyWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "weight",
			Help:      "Weight last applied to each cpufreq policy.",
		}, []string{"policy"}),
		writeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "write_errors_total",
			Help:      "Failed writes to cpufreq policy nodes.",
		}, []string{"policy"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "decisions_total",
			Help:      "Control ticks by decision (release or limit).",
		}, []string{"decision"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "looper",
			Name:      "state",
			Help:      "Lifecycle state: 0 not working, 1 waiting, 2 working.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "events_total",
			Help:      "Lifecycle events broadcast to extensions.",
		}, []string{"event"}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "reloads_total",
			Help:      "Profile reload attempts by result.",
		}, []string{"result"}),
	}
}

func (r *Recorder) ObserveRequested(khz int64) {
	if r == nil {
		return
	}
	r.requested.Set(float64(khz))
}

func (r *Recorder) ObservePolicy(policyID int, khz int64, weight float64) {
	if r == nil {
		return
	}
	label := strconv.Itoa(policyID)
	r.policyFreq.WithLabelValues(label).Set(float64(khz))
	r.policyWeight.WithLabelValues(label).Set(weight)
}

func (r *Recorder) ObserveWriteError(policyID int) {
	if r == nil {
		return
	}
	r.writeErrors.WithLabelValues(strconv.Itoa(policyID)).Inc()
}

func (r *Recorder) ObserveDecision(decision string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(decision).Inc()
}

func (r *Recorder) ObserveState(state int) {
	if r == nil {
		return
	}
	r.state.Set(float64(state))
}

func (r *Recorder) ObserveEvent(event string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(event).Inc()
}

func (r *Recorder) ObserveReload(result string) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(result).Inc()
}
