// Package metrics exposes the cascade's lifecycle as Prometheus series. The
// registry subscribes to the event manager as a callback, so the pipeline
// stays unaware of Prometheus and the exporter can be dropped without
// touching the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascadeflow/cascadeflow/cascade"
)

type Registry struct {
	reg *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunErrors       *prometheus.CounterVec
	DraftDecisions  *prometheus.CounterVec
	ModelCalls      *prometheus.CounterVec
	RunLatency      *prometheus.HistogramVec
	CostUSD         prometheus.Counter
	CostSavedUSD    prometheus.Counter
	AdmissionDenied *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_runs_total",
			Help: "Completed runs by strategy and serving model",
		}, []string{"strategy", "model"}),
		RunErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_run_errors_total",
			Help: "Failed runs by error kind",
		}, []string{"kind"}),
		DraftDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_draft_decisions_total",
			Help: "Draft validation outcomes",
		}, []string{"outcome"}),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_model_calls_total",
			Help: "Provider calls by model, role, and result",
		}, []string{"model", "provider", "role", "result"}),
		RunLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cascadeflow_run_latency_ms",
			Help:    "End-to-end run latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"strategy"}),
		CostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascadeflow_cost_usd_total",
			Help: "Cumulative USD spent on provider calls",
		}),
		CostSavedUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascadeflow_cost_saved_usd_total",
			Help: "Cumulative USD saved by accepted drafts (positive savings only)",
		}),
		AdmissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_admission_denied_total",
			Help: "Requests denied before any provider call",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.RunsTotal, m.RunErrors, m.DraftDecisions, m.ModelCalls,
		m.RunLatency, m.CostUSD, m.CostSavedUSD, m.AdmissionDenied,
	)
	return m
}

// Callback returns the event consumer to register with the event manager.
func (m *Registry) Callback() cascade.Callback {
	return func(e cascade.MetricEvent) {
		switch e.Type {
		case cascade.MetricQueryComplete:
			strategy, _ := e.Data["strategy"].(string)
			model, _ := e.Data["model_used"].(string)
			m.RunsTotal.WithLabelValues(strategy, model).Inc()
			if ms, ok := asInt64(e.Data["total_ms"]); ok {
				m.RunLatency.WithLabelValues(strategy).Observe(float64(ms))
			}
			if cost, ok := e.Data["total_cost"].(float64); ok && cost > 0 {
				m.CostUSD.Add(cost)
			}
			if saved, ok := e.Data["cost_saved"].(float64); ok && saved > 0 {
				m.CostSavedUSD.Add(saved)
			}
		case cascade.MetricQueryError:
			kind, _ := e.Data["kind"].(string)
			m.RunErrors.WithLabelValues(kind).Inc()
			if kind == string(cascade.KindAdmission) {
				m.AdmissionDenied.WithLabelValues(kind).Inc()
			}
		case cascade.MetricCascadeDecision:
			outcome := "escalated"
			if accepted, _ := e.Data["accepted"].(bool); accepted {
				outcome = "accepted"
			}
			m.DraftDecisions.WithLabelValues(outcome).Inc()
		case cascade.MetricModelCallComplete:
			m.countCall(e, "ok")
		case cascade.MetricModelCallError:
			m.countCall(e, "error")
		}
	}
}

func (m *Registry) countCall(e cascade.MetricEvent, result string) {
	model, _ := e.Data["model"].(string)
	provider, _ := e.Data["provider"].(string)
	role, _ := e.Data["role"].(string)
	m.ModelCalls.WithLabelValues(model, provider, role, result).Inc()
}

// asInt64 tolerates the few integer shapes event data carries.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
