package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/fasd/internal/cpufreq"
	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/sampler"
)

const metricsNamespace = "fasd"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := s.deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.hub.sent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.hub.dropped.Load())
		}),
	}

	if s.deps.Extensions != nil {
		collectors = append(collectors, extensionCollectors(s.deps.Extensions)...)
	}
	if c := newPolicyCollector(s.deps.Policies, s.deps.Table, s.deps.Sampler); c != nil {
		collectors = append(collectors, c)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func extensionCollectors(b *extension.Broadcaster) []prometheus.Collector {
	counter := func(name, help string, pick func(delivered, failed, dropped uint64) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "extension",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(pick(b.Stats()))
		})
	}
	return []prometheus.Collector{
		counter("deliveries_total", "Listener notifications that succeeded.",
			func(delivered, _, _ uint64) uint64 { return delivered }),
		counter("failures_total", "Listener notifications that failed or panicked.",
			func(_, failed, _ uint64) uint64 { return failed }),
		counter("dropped_total", "Events dropped because the dispatch queue was full.",
			func(_, _, dropped uint64) uint64 { return dropped }),
	}
}

// policyCollector reports per-policy values that live outside the control
// loop: sampled frequencies and operator offsets.
type policyCollector struct {
	policies []cpufreq.Policy
	table    *cpufreq.Table
	sampler  *sampler.Manager

	curDesc    *prometheus.Desc
	maxDesc    *prometheus.Desc
	offsetDesc *prometheus.Desc
	ageDesc    *prometheus.Desc
}

func newPolicyCollector(policies []cpufreq.Policy, table *cpufreq.Table, samplerManager *sampler.Manager) prometheus.Collector {
	if len(policies) == 0 || (table == nil && samplerManager == nil) {
		return nil
	}

	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "policy", name), help, labels, nil)
	}

	return &policyCollector{
		policies:   append([]cpufreq.Policy(nil), policies...),
		table:      table,
		sampler:    samplerManager,
		curDesc:    desc("cur_khz", "Sampled scaling_cur_freq of the policy.", "policy"),
		maxDesc:    desc("scaling_max_khz", "Sampled scaling_max_freq of the policy.", "policy"),
		offsetDesc: desc("offset_khz", "Operator offset added to writes for the policy.", "policy"),
		ageDesc:    desc("sample_age_seconds", "Seconds elapsed since the latest frequency sample."),
	}
}

func (c *policyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.curDesc
	ch <- c.maxDesc
	ch <- c.offsetDesc
	ch <- c.ageDesc
}

func (c *policyCollector) Collect(ch chan<- prometheus.Metric) {
	if c.table != nil {
		for _, p := range c.policies {
			ch <- prometheus.MustNewConstMetric(c.offsetDesc, prometheus.GaugeValue, float64(c.table.Offset(p.ID)), strconv.Itoa(p.ID))
		}
	}

	if c.sampler == nil {
		return
	}
	sample, ok := c.sampler.Latest()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.ageDesc, prometheus.GaugeValue, max(time.Since(sample.Timestamp).Seconds(), 0))
	for _, ps := range sample.Policies {
		label := strconv.Itoa(ps.ID)
		if ps.CurKHz != nil {
			ch <- prometheus.MustNewConstMetric(c.curDesc, prometheus.GaugeValue, float64(*ps.CurKHz), label)
		}
		if ps.LimitKHz != nil {
			ch <- prometheus.MustNewConstMetric(c.maxDesc, prometheus.GaugeValue, float64(*ps.LimitKHz), label)
		}
	}
}
