// Package metrics exports engine observations as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/arena/internal/domain"
)

// Prometheus implements ports.Metrics.
type Prometheus struct {
	registry     *prometheus.Registry
	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	faults       *prometheus.CounterVec
	fills        *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	dropped      prometheus.Counter
	running      prometheus.Gauge
}

// NewPrometheus registers every collector on a fresh registry, so tests and multiple engines never collide.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_ticks_total",
			Help: "Ticks advanced across all matches.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_tick_duration_seconds",
			Help:    "Wall time from fetch to leaderboard publish for one tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_sandbox_faults_total",
			Help: "Sandbox faults by kind.",
		}, []string{"kind"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_fills_total",
			Help: "Fills recorded by reason; an empty reason is a normal fill.",
		}, []string{"reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_gateway_decisions_total",
			Help: "Execution gateway decisions by outcome.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_subscribers_dropped_total",
			Help: "Subscribers dropped for falling behind.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arena_matches_running",
			Help: "Matches currently holding a scheduler slot.",
		}),
	}
	p.registry.MustRegister(p.ticks, p.tickDuration, p.faults, p.fills, p.decisions, p.dropped, p.running,
		prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return p
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) TickAdvanced(_ string, took time.Duration) {
	p.ticks.Inc()
	p.tickDuration.Observe(took.Seconds())
}

func (p *Prometheus) SandboxFault(kind domain.FaultKind) { p.faults.WithLabelValues(string(kind)).Inc() }

func (p *Prometheus) FillRecorded(reason domain.FillReason) {
	label := string(reason)
	if label == "" {
		label = "filled"
	}
	p.fills.WithLabelValues(label).Inc()
}

func (p *Prometheus) GatewayDecision(outcome string) { p.decisions.WithLabelValues(outcome).Inc() }

func (p *Prometheus) SubscriberDropped() { p.dropped.Inc() }

func (p *Prometheus) MatchesRunning(n int) { p.running.Set(float64(n)) }
