package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteNotFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpaste_paste_not_found_total",
			Help: "no. of lookups that ended in not-found",
		},
		[]string{"reason"},
	)
	ValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_validation_failures_total",
		Help: "no. of create requests rejected by validation",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_id_collisions_total",
		Help: "no. of generated ids that already existed",
	})
	IDEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_id_length_escalations_total",
		Help: "no. of times id length grew after exhausting retries",
	})
	IDLengthHint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quickpaste_id_length_hint",
		Help: "current advisory starting length for new ids",
	})
	UploadGrantsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_upload_grants_issued_total",
		Help: "no. of direct-upload grants issued",
	})
	UploadGrantFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_upload_grant_failures_total",
		Help: "no. of direct-upload grant failures",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_cache_misses_total",
		Help: "no. of cache misses",
	})
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpaste_store_errors_total",
			Help: "no. of record store failures",
		},
		[]string{"op"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quickpaste_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpaste_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickpaste_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quickpaste_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
