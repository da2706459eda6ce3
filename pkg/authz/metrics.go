package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationCacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authpipe",
		Name:      "authz_cache_total_count",
		Help:      "The total number of calls to the authorization decision cache.",
	})

	evaluationCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authpipe",
		Name:      "authz_cache_hit_count",
		Help:      "The total number of authorization decisions served from cache.",
	})

	decisionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authpipe",
		Name:      "authz_decision_count",
		Help:      "The total number of authorization decisions by outcome.",
	}, []string{"allowed", "denied_by"})

	evaluationDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       "authpipe",
		Name:                            "authz_evaluation_duration_ms",
		Help:                            "The duration (in ms) of uncached authorization evaluations.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)
