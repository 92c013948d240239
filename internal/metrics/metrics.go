// Package metrics exposes Prometheus collectors for fetch runs and the status
// server. Collectors live on a Recorder-owned registry, so batch runs can
// flush them to a node-exporter textfile or a Pushgateway when they finish.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "bizfetch"

// Recorder owns the collectors and the registry they are registered with.
type Recorder struct {
	registry *prometheus.Registry

	searchRequestsTotal  *prometheus.CounterVec
	searchRequestSeconds *prometheus.HistogramVec
	rateLimitDelays      *prometheus.HistogramVec
	categoriesTotal      *prometheus.CounterVec
	entitiesStoredTotal  prometheus.Counter
	recordsSkippedTotal  prometheus.Counter
	ledgerCategories     *prometheus.GaugeVec
	lastRunTimestamp     prometheus.Gauge
	lastRunDuration      prometheus.Gauge
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestSeconds   *prometheus.HistogramVec
}

// New builds a Recorder with a fresh registry. When withRuntime is true the Go
// and process collectors are registered too, which suits the long-running
// status server but not textfile output.
func New(withRuntime bool) *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		searchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Search API requests, labeled by outcome.",
		}, []string{"outcome"}),
		searchRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_request_duration_seconds",
			Help:      "Search API request latency, labeled by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),
		rateLimitDelays: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_delay_seconds",
			Help:      "Time spent waiting on the request pacer, labeled by host.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"host"}),
		categoriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "categories_processed_total",
			Help:      "Categories processed by the fetch engine, labeled by outcome.",
		}, []string{"outcome"}),
		entitiesStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_stored_total",
			Help:      "Business records written to the entity store.",
		}),
		recordsSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Fetched records dropped for lacking an id.",
		}),
		ledgerCategories: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_categories",
			Help:      "Categories in the progress ledger, labeled by status.",
		}, []string{"status"}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the last fetch pass finished.",
		}),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last fetch pass.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status server requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status server latency, labeled by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		r.searchRequestsTotal,
		r.searchRequestSeconds,
		r.rateLimitDelays,
		r.categoriesTotal,
		r.entitiesStoredTotal,
		r.recordsSkippedTotal,
		r.ledgerCategories,
		r.lastRunTimestamp,
		r.lastRunDuration,
		r.httpRequestsTotal,
		r.httpRequestSeconds,
	)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns an http.Handler for exposing the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one search API call.
func (r *Recorder) ObserveRequest(outcome string, elapsed time.Duration) {
	r.searchRequestsTotal.WithLabelValues(outcome).Inc()
	r.searchRequestSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveRateLimitDelay records the duration of a pacer wait.
func (r *Recorder) ObserveRateLimitDelay(host string, waited time.Duration) {
	r.rateLimitDelays.WithLabelValues(host).Observe(waited.Seconds())
}

// ObservePage records one persisted page.
func (r *Recorder) ObservePage(_ string, stored, skipped int) {
	r.entitiesStoredTotal.Add(float64(stored))
	r.recordsSkippedTotal.Add(float64(skipped))
}

// ObserveCategory records the outcome of one category attempt.
func (r *Recorder) ObserveCategory(outcome string) {
	r.categoriesTotal.WithLabelValues(outcome).Inc()
}

// SetLedgerCounts publishes the per-status ledger tally.
func (r *Recorder) SetLedgerCounts(counts map[string]int) {
	for status, n := range counts {
		r.ledgerCategories.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveRun records the end of a fetch pass.
func (r *Recorder) ObserveRun(finished time.Time, elapsed time.Duration) {
	r.lastRunTimestamp.Set(float64(finished.Unix()))
	r.lastRunDuration.Set(elapsed.Seconds())
}

// ObserveHTTPRequest records one status server request.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, elapsed time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpRequestSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return errors.New("metrics textfile path is empty")
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the registry to a Pushgateway under job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if url == "" || job == "" {
		return errors.New("pushgateway url and job are required")
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
