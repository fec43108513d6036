package rag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	DocumentsIngested prometheus.Counter
	ChunksIngested    prometheus.Counter
	IngestFailures    *prometheus.CounterVec
	EmbedRetries      prometheus.Counter
	SearchDuration    prometheus.Histogram
	AskFailures       prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsqa",
			Name:      "documents_ingested_total",
			Help:      "Documents persisted by the ingestion pipeline.",
		}),
		ChunksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsqa",
			Name:      "chunks_ingested_total",
			Help:      "Chunks persisted by the ingestion pipeline.",
		}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsqa",
			Name:      "ingest_failures_total",
			Help:      "Aborted ingestions by the stage that failed.",
		}, []string{"stage"}),
		EmbedRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsqa",
			Name:      "embed_retries_total",
			Help:      "Embedding calls retried after a failure.",
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docsqa",
			Name:      "search_duration_seconds",
			Help:      "Time to embed a query and rank chunks.",
			Buckets:   prometheus.DefBuckets,
		}),
		AskFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsqa",
			Name:      "ask_failures_total",
			Help:      "Questions that failed to produce an answer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DocumentsIngested,
			m.ChunksIngested,
			m.IngestFailures,
			m.EmbedRetries,
			m.SearchDuration,
			m.AskFailures,
		)
	}
	return m
}
