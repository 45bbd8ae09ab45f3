// Package observability collects Prometheus metrics for the request
// pipeline, retrieval branches, delivery pacing, and the reconciler.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the service exposes. Create one per
// process with NewMetrics and pass it down by pointer.
type Metrics struct {
	registry *prometheus.Registry

	PipelineRequests  *prometheus.CounterVec
	PipelineDuration  prometheus.Histogram
	MessagesDeferred  prometheus.Counter
	RetrievalHits     *prometheus.CounterVec
	RetrievalDegraded prometheus.Counter
	ScriptsForced     prometheus.Counter
	UnitsDelivered    prometheus.Counter
	EmbeddingsFilled  prometheus.Counter
	EmbedFailures     prometheus.Counter
}

// NewMetrics registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		PipelineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_pipeline_requests_total",
			Help: "Pipeline executions by outcome (ok, deferred, error).",
		}, []string{"outcome"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_pipeline_duration_seconds",
			Help:    "End-to-end pipeline latency from drain to first delivery.",
			Buckets: prometheus.DefBuckets,
		}),
		MessagesDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_deferred_total",
			Help: "Messages buffered inside the merge window instead of processed.",
		}),
		RetrievalHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_retrieval_hits_total",
			Help: "Retrieval matches above threshold by branch (persona, abbreviation, script).",
		}, []string{"branch"}),
		RetrievalDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_retrieval_degraded_total",
			Help: "Retrievals that fell back to substring matching.",
		}),
		ScriptsForced: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_scripts_forced_total",
			Help: "Responses answered verbatim from a scripted answer.",
		}),
		UnitsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_units_delivered_total",
			Help: "Response units handed to the delivery sink.",
		}),
		EmbeddingsFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_embeddings_filled_total",
			Help: "Vector records backfilled with an embedding by the reconciler.",
		}),
		EmbedFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_embed_failures_total",
			Help: "Embedding calls that returned an error.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
