// Package metrics holds the Prometheus collectors shared by the API, the
// send worker and the outbox relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	HTTPDuration *prometheus.HistogramVec
	SendJobs     *prometheus.CounterVec
	RelayJobs    *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wa_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		SendJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_send_jobs_total",
			Help: "Send jobs handled by the worker, by result.",
		}, []string{"result"}),
		RelayJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wa_outbox_relay_total",
			Help: "Outbox rows processed by the relay, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.HTTPDuration, m.SendJobs, m.RelayJobs)
	}
	return m
}

// IncSend is nil-safe so callers can run without metrics.
func (m *Metrics) IncSend(result string) {
	if m == nil {
		return
	}
	m.SendJobs.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRelay(result string) {
	if m == nil {
		return
	}
	m.RelayJobs.WithLabelValues(result).Inc()
}
