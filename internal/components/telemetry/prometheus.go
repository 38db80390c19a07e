package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusAPI implements API by counting broken/warning reports per id and
// exposing ReportCount values as gauges. Debug reports are dropped.
type PrometheusAPI struct {
	registry *prometheus.Registry
	broken   *prometheus.CounterVec
	warnings *prometheus.CounterVec
	counts   *prometheus.GaugeVec
}

func NewPrometheusAPI() PrometheusAPI {
	registry := prometheus.NewRegistry()
	p := PrometheusAPI{
		registry: registry,
		broken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviewtrail_broken_reports_total",
				Help: "Total number of broken component reports",
			},
			[]string{"id"},
		),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviewtrail_warning_reports_total",
				Help: "Total number of warning reports",
			},
			[]string{"id"},
		),
		counts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reviewtrail_count",
				Help: "Last reported count per id",
			},
			[]string{"id"},
		),
	}
	registry.MustRegister(p.broken, p.warnings, p.counts)
	return p
}

func (p PrometheusAPI) ReportBroken(id string, params ...any) {
	p.broken.WithLabelValues(id).Inc()
}

func (p PrometheusAPI) ReportWarning(id string, params ...any) {
	p.warnings.WithLabelValues(id).Inc()
}

func (p PrometheusAPI) ReportDebug(msg string, params ...any) {}

func (p PrometheusAPI) ReportCount(id string, count int64) {
	p.counts.WithLabelValues(id).Set(float64(count))
}

// Handler serves the registry in the prometheus exposition format.
func (p PrometheusAPI) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (p PrometheusAPI) Registry() *prometheus.Registry {
	return p.registry
}
