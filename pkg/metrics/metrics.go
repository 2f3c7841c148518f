// Package metrics exposes the sync core's Prometheus collectors. Defined
// in a standalone package so the hub, engine glue, and HTTP layer can all
// record without import cycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_sessions_active",
		Help: "Sessions currently attached to a document.",
	})

	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_sessions_total",
		Help: "Sessions accepted since start.",
	})

	MutationsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_mutations_accepted_total",
		Help: "Mutations admitted by the reconciliation engine.",
	})

	MutationsConflicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_mutations_conflicted_total",
		Help: "Mutations rejected by the same-base tie-break.",
	})

	MutationsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_mutations_stale_total",
		Help: "Mutations rejected because their base left the history window.",
	})

	Resyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_resyncs_total",
		Help: "Full snapshot resynchronizations served.",
	})

	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_broadcast_fanout",
		Help:    "Sessions each admitted delta was broadcast to.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Register installs the collectors on reg (or the default registerer when
// nil). Double registration is tolerated so tests can call it freely.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		SessionsActive,
		SessionsTotal,
		MutationsAccepted,
		MutationsConflicted,
		MutationsStale,
		Resyncs,
		BroadcastFanout,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
