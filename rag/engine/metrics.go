package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "smartstore"

var (
	stageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retrieval_stage_total",
			Help:      "Retrieval stage outcomes by stage and status.",
		},
		[]string{"stage", "status"},
	)

	retrieveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "retrieve_duration_seconds",
			Help:      "Duration of a full retrieve call.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	denseEnabledGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dense_stage_enabled",
			Help:      "1 when the dense stage is enabled, 0 in degraded mode.",
		},
	)

	ingestedDocuments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ingested_documents_total",
			Help:      "Documents committed by upsert.",
		},
	)

	reindexedDocuments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reindexed_documents_total",
			Help:      "Documents embedded by rebuild-missing runs.",
		},
	)
)

// RegisterMetrics registers the engine collectors with reg. It is safe to
// call once per registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		stageOutcomes,
		retrieveDuration,
		denseEnabledGauge,
		ingestedDocuments,
		reindexedDocuments,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
