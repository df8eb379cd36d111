// Package metrics exposes Prometheus collectors for the scan engine.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns all engine collectors. A nil *Metrics is a valid no-op
// receiver so callers can run without instrumentation.
type Metrics struct {
	scansStarted    prometheus.Counter
	scansFinished   *prometheus.CounterVec
	scanDuration    *prometheus.HistogramVec
	scansActive     prometheus.Gauge
	cacheLookups    *prometheus.CounterVec
	serviceRuns     *prometheus.CounterVec
	serviceDuration *prometheus.HistogramVec
	serviceRetries  *prometheus.CounterVec
}

// New registers the collectors against the provided registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seoscan_scans_started_total",
			Help: "Total scans created (cache hits excluded).",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seoscan_scans_finished_total",
			Help: "Total scans that reached a terminal status, partitioned by status.",
		}, []string{"status"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seoscan_scan_duration_seconds",
			Help:    "Wall time from scan creation to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		scansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seoscan_scans_active",
			Help: "Scan executions currently running checks, retry re-executions included.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seoscan_cache_lookups_total",
			Help: "Scan cache lookups partitioned by result (hit/miss).",
		}, []string{"result"}),
		serviceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seoscan_service_runs_total",
			Help: "Service executions partitioned by service and terminal status.",
		}, []string{"service", "status"}),
		serviceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seoscan_service_duration_seconds",
			Help:    "Execution duration per service.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"service"}),
		serviceRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seoscan_service_retries_total",
			Help: "Retry resets per service.",
		}, []string{"service"}),
	}
	for _, c := range []prometheus.Collector{
		m.scansStarted,
		m.scansFinished,
		m.scanDuration,
		m.scansActive,
		m.cacheLookups,
		m.serviceRuns,
		m.serviceDuration,
		m.serviceRetries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScanStarted counts a newly created scan. Retry re-executions of an
// existing scan are not counted here.
func (m *Metrics) ObserveScanStarted() {
	if m == nil {
		return
	}
	m.scansStarted.Inc()
}

// ObserveScanFinished records a scan reaching a terminal status.
func (m *Metrics) ObserveScanFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.scansFinished.WithLabelValues(status).Inc()
	m.scanDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveExecutionStarted marks one scan execution in flight.
func (m *Metrics) ObserveExecutionStarted() {
	if m == nil {
		return
	}
	m.scansActive.Inc()
}

// ObserveExecutionSettled marks one scan execution as done, whether or not
// the scan ended terminal.
func (m *Metrics) ObserveExecutionSettled() {
	if m == nil {
		return
	}
	m.scansActive.Dec()
}

// ObserveCacheLookup counts a cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveServiceRun records one service execution.
func (m *Metrics) ObserveServiceRun(service, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.serviceRuns.WithLabelValues(service, status).Inc()
	m.serviceDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ObserveServiceRetry counts one retry reset.
func (m *Metrics) ObserveServiceRetry(service string) {
	if m == nil {
		return
	}
	m.serviceRetries.WithLabelValues(service).Inc()
}
