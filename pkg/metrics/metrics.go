// Package metrics declares the pipeline's Prometheus metrics.
//
// Label cardinality stays bounded: service and canonical table names are
// closed sets, tenant IDs are deliberately not a label.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avesa_jobs_completed_total",
		Help: "Ingestion jobs reaching a terminal status",
	}, []string{"run_kind", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avesa_job_duration_seconds",
		Help:    "Wall-clock duration of ingestion jobs",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"run_kind"})

	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avesa_chunks_processed_total",
		Help: "Chunk executions by terminal status",
	}, []string{"service", "status"})

	ChunkRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avesa_chunk_retries_total",
		Help: "Page-fetch retries by error kind",
	}, []string{"service", "kind"})

	OpenChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avesa_open_chunks",
		Help: "Chunks currently in flight across all tenants",
	})

	RecordsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avesa_records_fetched_total",
		Help: "Raw records fetched from source APIs (pre-dedup)",
	}, []string{"service"})

	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avesa_rate_limit_waits_total",
		Help: "Fetches delayed by the per-service token bucket",
	}, []string{"service"})

	CanonicalMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avesa_canonical_merges_total",
		Help: "SCD merge outcomes by canonical table",
	}, []string{"table", "outcome"})

	RecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avesa_records_rejected_total",
		Help: "Records rejected during canonical projection",
	}, []string{"table"})

	WatermarkLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avesa_watermark_lag_seconds",
		Help: "Age of the raw watermark at the end of a table run",
	}, []string{"service"})
)

// Merge outcome label values for CanonicalMerges.
const (
	MergeInsert  = "insert"
	MergeUpdate  = "update"
	MergeNoop    = "noop"
	MergeLate    = "late_arrival"
	MergeTieSwap = "tie_swap"
)
