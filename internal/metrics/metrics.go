// Package metrics exposes Prometheus counters and histograms for the ledger.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "receipt_ledger"

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry    *prometheus.Registry
	extractions *prometheus.CounterVec
	extracted   prometheus.Counter
	ocr         *prometheus.CounterVec
	queries     *prometheus.CounterVec
	requests    *prometheus.HistogramVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Receipt extractions by the parsing tier that produced the batch.",
		}, []string{"tier"}),
		extracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extracted_items_total",
			Help:      "Line items recovered from model output.",
		}),
		ocr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_requests_total",
			Help:      "Text recognition calls by result.",
		}, []string{"result"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Questions answered by route and outcome.",
		}, []string{"class", "outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.extractions,
		m.extracted,
		m.ocr,
		m.queries,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordExtraction counts one extraction outcome
func (m *Metrics) RecordExtraction(tier string, items int) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(tier).Inc()
	m.extracted.Add(float64(items))
}

// RecordOCR counts one recognition call; result is "ok" or a failure category
func (m *Metrics) RecordOCR(result string) {
	if m == nil {
		return
	}
	m.ocr.WithLabelValues(result).Inc()
}

// RecordQuery counts one routed question
func (m *Metrics) RecordQuery(class, outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(class, outcome).Inc()
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, status).Observe(d.Seconds())
}
