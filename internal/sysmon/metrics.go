// SPDX-License-Identifier: MIT

package sysmon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	busyRatingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coresched",
		Name:      "busy_rating",
		Help:      "Composite system busy rating (0-10)",
	})

	signalRatingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coresched",
		Name:      "signal_rating",
		Help:      "Per-signal busy rating (0-10)",
	}, []string{"signal"})

	quietScoreGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coresched",
		Name:      "quiet_score",
		Help:      "Quiet score (0-100, higher is calmer)",
	})

	samplerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coresched_sampler_ticks_total",
		Help: "Completed sampler ticks",
	})

	minuteWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coresched_minute_write_errors_total",
		Help: "Failed minute sample writes",
	})
)
