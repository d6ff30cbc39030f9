package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Crawl
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "crawl",
			Name:      "pages_total",
			Help:      "Pages visited by the crawler",
		},
		[]string{"region", "kind", "status"},
	)

	SummariesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "crawl",
			Name:      "summaries_written_total",
			Help:      "New summary rows appended to the corpus",
		},
		[]string{"region"},
	)

	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "crawl",
			Name:      "checkpoints_total",
			Help:      "Detail crawl buffer flushes",
		},
		[]string{"region"},
	)

	// Downloads
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "download",
			Name:      "downloads_total",
			Help:      "Attachment downloads by final status",
		},
		[]string{"status"},
	)

	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Attachment bytes written to disk",
		},
	)

	DownloadRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Download attempts beyond the first",
		},
	)

	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "penaltyscan",
			Subsystem: "download",
			Name:      "duration_seconds",
			Help:      "Attachment download duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "penaltyscan",
			Subsystem: "download",
			Name:      "active_sessions",
			Help:      "Download sessions still running",
		},
	)

	// Extraction
	ExtractCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "extract",
			Name:      "calls_total",
			Help:      "Normalizer calls by outcome",
		},
		[]string{"outcome"},
	)

	ExtractItems = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "extract",
			Name:      "items_total",
			Help:      "Normalized items produced",
		},
	)

	LLMDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "penaltyscan",
			Subsystem: "extract",
			Name:      "llm_duration_seconds",
			Help:      "Completion call duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 180},
		},
	)

	// Publishing
	DocumentsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "publish",
			Name:      "documents_total",
			Help:      "Documents inserted into the document store",
		},
	)

	// HTTP
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "penaltyscan",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
)
