package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts session commands. It uses its own registry so that several servers
// can live in one process, as they do in tests.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	effects         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docassist",
				Name:      "commands_total",
				Help:      "Session commands handled, by command and result",
			},
			[]string{"command", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "docassist",
				Name:      "command_duration_seconds",
				Help:      "Time spent handling session commands",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		effects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docassist",
				Name:      "effects_total",
				Help:      "Side effects performed while handling commands",
			},
			[]string{"kind", "failed"},
		),
	}
	m.registry.MustRegister(
		m.commands,
		m.commandDuration,
		m.effects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observe(command string, result string, elapsed time.Duration) {
	m.commands.WithLabelValues(command, result).Inc()
	m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) effect(kind string, failed bool) {
	f := "false"
	if failed {
		f = "true"
	}
	m.effects.WithLabelValues(kind, f).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
