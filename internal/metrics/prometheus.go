// Package metrics exports pagehook telemetry: Prometheus for the API process
// and CloudWatch for the worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collects HTTP and webhook counters on a private registry so
// tests and multiple servers in one process do not collide.
type Prometheus struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	webhookEvents   *prometheus.CounterVec
}

// NewPrometheus registers the pagehook collectors plus the Go runtime and
// process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagehook_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagehook_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagehook_webhook_events_total",
				Help: "Total number of webhook deliveries by source and outcome",
			},
			[]string{"source", "result"},
		),
	}
	reg.MustRegister(
		p.requestsTotal,
		p.requestDuration,
		p.webhookEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// RecordRequest implements core.MetricsCollector.
func (p *Prometheus) RecordRequest(method, route, status string, duration time.Duration) {
	p.requestsTotal.WithLabelValues(method, route, status).Inc()
	p.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordWebhookEvent implements webhook.EventRecorder.
func (p *Prometheus) RecordWebhookEvent(source, result string) {
	p.webhookEvents.WithLabelValues(source, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}
