// Package metrics exposes fleet counters in the Prometheus format.
//
// The worker gauges are read straight from the state registry at scrape
// time so /metrics and /health never disagree.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rotabot/internal/state"
)

const namespace = "rotabot"

// Metrics owns a private Prometheus registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	actions  *prometheus.CounterVec
	logins   *prometheus.CounterVec
	restarts *prometheus.CounterVec
}

func New(st *state.Registry) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Remote actions attempted, by action and result.",
		}, []string{"action", "result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts, by result.",
		}, []string{"result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Supervised worker restarts, by worker kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.actions,
		m.logins,
		m.restarts,
	)
	if st != nil {
		reg.MustRegister(
			workerGauge(st, state.CounterMessage),
			workerGauge(st, state.CounterTitle),
		)
	}
	return m
}

func workerGauge(st *state.Registry, c state.Counter) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "active_workers",
		Help:        "Currently running worker loops, by kind.",
		ConstLabels: prometheus.Labels{"kind": string(c)},
	}, func() float64 { return float64(st.Count(c)) })
}

// Registry returns the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveAction(action string, err error) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, result(err == nil)).Inc()
}

func (m *Metrics) ObserveLogin(ok bool) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveRestart(kind string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(kind).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
