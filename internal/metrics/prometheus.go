package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ArticlesFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_articles_filtered_total",
			Help: "Filter decisions by reason",
		},
		[]string{"reason"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_cache_hits_total",
			Help: "Cache hits by phase",
		},
		[]string{"phase"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_cache_misses_total",
			Help: "Cache misses by phase",
		},
		[]string{"phase"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_llm_tokens_used_total",
			Help: "LLM tokens used",
		},
		[]string{"type"},
	)

	BatchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_batch_retries_total",
			Help: "Extraction batch retries by round",
		},
		[]string{"round"},
	)

	BatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_batch_failures_total",
			Help: "Extraction batches abandoned after retries, by round",
		},
		[]string{"round"},
	)

	GeocodeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_geocode_lookups_total",
			Help: "Geocoder lookups by outcome",
		},
		[]string{"status"},
	)

	ChunksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_pipeline_chunks_processed_total",
			Help: "Chunks completed, by status",
		},
		[]string{"status"},
	)

	ChunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "incident_pipeline_chunk_duration_seconds",
			Help:    "End-to-end chunk processing duration",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	IncidentsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incident_pipeline_incidents_published_total",
			Help: "Incidents published to the record store",
		},
	)

	ClustersFormed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incident_pipeline_clusters_formed_total",
			Help: "Multi-member incident clusters formed",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ArticlesFiltered)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(BatchRetries)
		prometheus.MustRegister(BatchFailures)
		prometheus.MustRegister(GeocodeLookups)
		prometheus.MustRegister(ChunksProcessed)
		prometheus.MustRegister(ChunkDuration)
		prometheus.MustRegister(IncidentsPublished)
		prometheus.MustRegister(ClustersFormed)
	})
}

func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
