// Package metrics exposes Prometheus counters for the preview pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated *prometheus.CounterVec
	AuthDecisions   *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	Enqueued        *prometheus.CounterVec
	Dispatch        *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "previewer_sessions_created_total",
			Help: "Review session records created, by mode.",
		}, []string{"mode"}),
		AuthDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "previewer_auth_decisions_total",
			Help: "Room authorization outcomes, by reason.",
		}, []string{"reason"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "previewer_webhook_events_total",
			Help: "Collaboration webhook events, by type and outcome.",
		}, []string{"type", "outcome"}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "previewer_notifications_enqueued_total",
			Help: "Notifications appended to recipient mailboxes, by type.",
		}, []string{"type"}),
		Dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "previewer_dispatch_recipients_total",
			Help: "Dispatcher decisions per recipient, by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "previewer_http_requests_total",
			Help: "HTTP requests served, by method and status class.",
		}, []string{"method", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsCreated,
		m.AuthDecisions,
		m.WebhookEvents,
		m.Enqueued,
		m.Dispatch,
		m.HTTPRequests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
