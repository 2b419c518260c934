// Package metrics exposes Prometheus instruments for the automation engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RunsStarted           prometheus.Counter
	RunsFinished          *prometheus.CounterVec
	NodeVisits            *prometheus.CounterVec
	ActionDuration        *prometheus.HistogramVec
	ContinuationsClaimed  prometheus.Counter
	ClaimConflicts        prometheus.Counter
	EventsReceived        *prometheus.CounterVec
	ScheduledTicksEmitted prometheus.Counter
}

// New registers the engine instruments on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnelflow_runs_started_total",
			Help: "Total number of runs created from trigger matches",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnelflow_runs_finished_total",
			Help: "Total number of runs that left the running state",
		}, []string{"status"}),
		NodeVisits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnelflow_node_visits_total",
			Help: "Total number of node visits by node kind and outcome",
		}, []string{"kind", "outcome"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funnelflow_action_duration_seconds",
			Help:    "Duration of action handler calls in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"action", "result"}),
		ContinuationsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnelflow_continuations_claimed_total",
			Help: "Total number of scheduled continuations claimed by pollers",
		}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnelflow_claim_conflicts_total",
			Help: "Total number of run claims lost to another worker",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnelflow_events_received_total",
			Help: "Total number of domain events received by type",
		}, []string{"event_type"}),
		ScheduledTicksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnelflow_scheduled_ticks_total",
			Help: "Total number of scheduled_tick and inactivity_check events emitted",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}

	m.RunsStarted.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}

	m.RunsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) NodeVisited(kind, outcome string) {
	if m == nil {
		return
	}

	m.NodeVisits.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveAction(action string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	m.ActionDuration.WithLabelValues(action, result).Observe(duration.Seconds())
}

func (m *Metrics) ContinuationClaimed(n int) {
	if m == nil {
		return
	}

	m.ContinuationsClaimed.Add(float64(n))
}

func (m *Metrics) ClaimConflict() {
	if m == nil {
		return
	}

	m.ClaimConflicts.Inc()
}

func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}

	m.EventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) TickEmitted() {
	if m == nil {
		return
	}

	m.ScheduledTicksEmitted.Inc()
}
