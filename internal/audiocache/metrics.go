package audiocache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storysync_audiocache",
		Name:      "downloads_total",
		Help:      "Audio files downloaded into the cache.",
	})

	downloadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storysync_audiocache",
		Name:      "download_failures_total",
		Help:      "Audio downloads that failed after retries.",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storysync_audiocache",
		Name:      "evictions_total",
		Help:      "Files evicted by the size-budget sweep.",
	})
)
