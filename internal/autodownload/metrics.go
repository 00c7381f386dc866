package autodownload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var passesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "storysync_autodownload",
	Name:      "passes_total",
	Help:      "Favorites reconciliation passes executed.",
})
