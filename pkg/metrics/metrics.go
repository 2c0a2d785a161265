// Package metrics exposes daemon gauges and counters on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	NamespacesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanocl_namespaces_total",
			Help: "Total number of namespaces",
		},
	)

	CargoesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanocl_cargoes_total",
			Help: "Total number of cargoes",
		},
	)

	VmsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanocl_vms_total",
			Help: "Total number of virtual machines",
		},
	)

	JobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanocl_jobs_total",
			Help: "Total number of jobs",
		},
	)

	SecretsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanocl_secrets_total",
			Help: "Total number of secrets",
		},
	)

	ResourcesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanocl_resources_total",
			Help: "Total number of resources",
		},
	)

	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanocl_processes_total",
			Help: "Total number of runtime processes by owner kind",
		},
		[]string{"kind"},
	)

	// Event bus metrics
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_events_emitted_total",
			Help: "Total number of events emitted by kind and action",
		},
		[]string{"kind", "action"},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanocl_event_subscribers",
			Help: "Current number of event bus subscribers",
		},
	)

	// Reconciler metrics
	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nanocl_tasks_failed_total",
			Help: "Total number of failed reconciliation tasks",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nanocl_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NamespacesTotal)
	prometheus.MustRegister(CargoesTotal)
	prometheus.MustRegister(VmsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(SecretsTotal)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(ProcessesTotal)
	prometheus.MustRegister(EventsEmitted)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
