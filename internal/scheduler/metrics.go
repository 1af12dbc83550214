// SPDX-License-Identifier: MIT

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coresched",
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted into the queue",
	})

	grantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coresched",
		Name:      "leases_granted_total",
		Help:      "Lease requests granted",
	})

	denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coresched",
		Name:      "lease_denials_total",
		Help:      "Lease requests denied",
	}, []string{"reason"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coresched",
		Name:      "jobs_completed_total",
		Help:      "Jobs finalized by workers",
	}, []string{"status"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coresched",
		Name:      "leases_expired_total",
		Help:      "Leases reaped after missing heartbeats or exceeding max runtime",
	})

	leasedUnitsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coresched",
		Name:      "leased_capacity_units",
		Help:      "Capacity units held by active leases",
	})

	activeLeasesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coresched",
		Name:      "active_leases",
		Help:      "Number of active leases",
	})

	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coresched",
		Name:      "queue_depth",
		Help:      "Queued jobs per priority class",
	}, []string{"priority"})
)
