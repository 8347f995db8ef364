// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the DVFS coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesManaged tracks the number of devices currently managed by the core
	DevicesManaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvfs_devices_managed",
		Help: "Number of devices currently managed by the DVFS core",
	})

	// GovernorsRegistered tracks the number of registered governors
	GovernorsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvfs_governors_registered",
		Help: "Number of governors registered with the DVFS core",
	})

	// ReevaluationsTotal tracks the total number of frequency reevaluations
	ReevaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvfs_reevaluations_total",
		Help: "Total number of frequency reevaluations performed",
	})

	// ReevaluationErrors tracks the number of failed reevaluations
	ReevaluationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvfs_reevaluation_errors_total",
		Help: "Total number of failed frequency reevaluations",
	})

	// ReevaluationDuration tracks how long a reevaluation takes, including
	// the governor target call and the backend apply call
	ReevaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dvfs_reevaluation_duration_seconds",
		Help:    "Duration of frequency reevaluations in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FrequencyTransitions tracks frequency level changes per device
	FrequencyTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dvfs_frequency_transitions_total",
		Help: "Total number of frequency transitions per device",
	}, []string{"device_id"})

	// CurrentFrequency tracks the most recently applied frequency per device
	CurrentFrequency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dvfs_current_frequency_hz",
		Help: "Most recently applied frequency in Hz",
	}, []string{"device_id"})

	// GovernorSwitches tracks successful governor switches
	GovernorSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvfs_governor_switches_total",
		Help: "Total number of successful governor switches",
	})

	// SinkWritesTotal tracks the total number of transition events written to
	// the time-series sink
	SinkWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvfs_sink_writes_total",
		Help: "Total number of transition events written to the sink",
	})

	// SinkWriteErrors tracks the number of failed sink writes
	SinkWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvfs_sink_write_errors_total",
		Help: "Total number of failed sink writes",
	})

	// SinkEventsDropped tracks transition events dropped because the sink
	// buffer was full
	SinkEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvfs_sink_events_dropped_total",
		Help: "Total number of transition events dropped by the sink buffer",
	})
)
