package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	analyzedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldns_risk_analyzed_total",
		Help: "Number of domains scored.",
	})

	dgaTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldns_risk_dga_detected_total",
		Help: "Number of domains classified as algorithmically generated.",
	})

	levelTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldns_risk_level_total",
		Help: "Number of scored domains per risk level.",
	}, []string{"level"})

	scoreHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shieldns_risk_score",
		Help:    "Distribution of overall risk scores.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 10),
	})

	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldns_risk_queue_dropped_total",
		Help: "Number of analysis requests dropped on a full queue.",
	})
)
