package crdtsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	applied         *prometheus.CounterVec
	duplicates      prometheus.Counter
	dropped         *prometheus.CounterVec
	published       prometheus.Counter
	publishFailures prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)

	return &metrics{
		applied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdtrelay",
			Name:      "ops_applied_total",
			Help:      "Operations applied to local state, local and remote.",
		}, []string{"crdt_type"}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtrelay",
			Name:      "ops_duplicate_total",
			Help:      "Inbound operations skipped because their id was already applied.",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdtrelay",
			Name:      "ops_dropped_total",
			Help:      "Inbound payloads dropped at the boundary.",
		}, []string{"reason"}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtrelay",
			Name:      "ops_published_total",
			Help:      "Messages handed to the transport.",
		}),
		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtrelay",
			Name:      "publish_failures_total",
			Help:      "Operations whose publish failed after all retries.",
		}),
	}
}
