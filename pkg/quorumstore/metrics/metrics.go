// Copyright 2025 Certen Protocol
//
// Prometheus collectors for the quorum store pipeline: expired-but-
// uncommitted proof counts, backpressure state, batch store occupancy, and
// digest-timeout counts.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the quorum store actors publish to.
type Collectors struct {
	ExpiredUncommittedProofs prometheus.Counter
	BackpressureActive       prometheus.Gauge
	BatchStoreOccupancyBytes prometheus.Gauge
	DigestTimeoutsTotal      prometheus.Counter
	FragmentsReceivedTotal   *prometheus.CounterVec
	ProofsOfStoreFormedTotal prometheus.Counter
	BatchSaveRejectedTotal   *prometheus.CounterVec
}

// NewCollectors builds and registers every quorum-store metric against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ExpiredUncommittedProofs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorum_store",
			Name:      "expired_uncommitted_proofs_total",
			Help:      "Proofs of store that expired before ever being committed.",
		}),
		BackpressureActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorum_store",
			Name:      "backpressure_active",
			Help:      "1 when the proposer backpressure signal is asserted, 0 otherwise.",
		}),
		BatchStoreOccupancyBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorum_store",
			Name:      "batch_store_occupancy_bytes",
			Help:      "Hydrated batch payload bytes currently held in memory.",
		}),
		DigestTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorum_store",
			Name:      "digest_timeouts_total",
			Help:      "Locally initiated batches whose proof collection timed out before quorum.",
		}),
		FragmentsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum_store",
			Name:      "fragments_received_total",
			Help:      "Fragments received, partitioned by outcome.",
		}, []string{"outcome"}),
		ProofsOfStoreFormedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorum_store",
			Name:      "proofs_of_store_formed_total",
			Help:      "Proofs of store finalized locally after reaching quorum.",
		}),
		BatchSaveRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum_store",
			Name:      "batch_save_rejected_total",
			Help:      "BatchStore.Save rejections, partitioned by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.ExpiredUncommittedProofs,
		c.BackpressureActive,
		c.BatchStoreOccupancyBytes,
		c.DigestTimeoutsTotal,
		c.FragmentsReceivedTotal,
		c.ProofsOfStoreFormedTotal,
		c.BatchSaveRejectedTotal,
	)
	return c
}
