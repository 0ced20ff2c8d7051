// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for portal.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MatthiasGr/portal/pkg/events"
)

// Metrics holds all Prometheus metrics for portal.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	RejectionsTotal *prometheus.CounterVec

	// Backend metrics
	BackendPhase          *prometheus.GaugeVec
	PhaseTransitionsTotal *prometheus.CounterVec
	StartDuration         *prometheus.HistogramVec
	StartFailuresTotal    *prometheus.CounterVec

	// Queue metrics
	QueueDepth  *prometheus.GaugeVec
	QueueWaited *prometheus.HistogramVec

	// Relay metrics
	RelayedBytes *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered on the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "portal"
	}

	return &Metrics{
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently active sessions",
			},
			[]string{"backend"},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions by terminal outcome",
			},
			[]string{"backend", "outcome"},
		),
		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"backend", "outcome"},
		),
		RejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of rejected sessions by reason",
			},
			[]string{"backend", "reason"},
		),
		BackendPhase: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_phase",
				Help:      "Backend lifecycle phase (0=offline, 1=starting, 2=running, 3=stopping)",
			},
			[]string{"backend"},
		),
		PhaseTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_phase_transitions_total",
				Help:      "Total number of backend phase transitions",
			},
			[]string{"backend", "to"},
		),
		StartDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_start_duration_seconds",
				Help:      "Time from start trigger to a successful health probe",
				Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"backend"},
		),
		StartFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_start_failures_total",
				Help:      "Total number of failed backend starts",
			},
			[]string{"backend"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Sessions currently queued awaiting backend startup",
			},
			[]string{"backend"},
		),
		QueueWaited: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time sessions spent queued before admission or rejection",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"backend"},
		),
		RelayedBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Bytes pumped between client and backend",
			},
			[]string{"backend", "direction"},
		),
	}
}

// phaseValue maps lifecycle phase names onto the gauge encoding.
func phaseValue(phase string) float64 {
	switch phase {
	case "starting":
		return 1
	case "running":
		return 2
	case "stopping":
		return 3
	default:
		return 0
	}
}

// Sink returns an events.Sink that records sessions and phase changes on
// these metrics.
func (m *Metrics) Sink() events.Sink {
	return &sink{m: m, started: make(map[string]time.Time)}
}

type sink struct {
	m *Metrics

	mu      sync.Mutex
	started map[string]time.Time
}

var _ events.Sink = (*sink)(nil)

func (s *sink) OnSessionOpen(ctx context.Context, info *events.SessionInfo) error {
	s.m.ActiveSessions.WithLabelValues(info.Backend).Inc()
	return nil
}

func (s *sink) OnSessionClose(ctx context.Context, info *events.SessionInfo) error {
	s.m.ActiveSessions.WithLabelValues(info.Backend).Dec()
	s.m.SessionsTotal.WithLabelValues(info.Backend, info.Outcome).Inc()
	s.m.SessionDuration.WithLabelValues(info.Backend, info.Outcome).Observe(info.Duration.Seconds())
	return nil
}

func (s *sink) OnPhaseChange(ctx context.Context, backend, from, to string) error {
	s.m.BackendPhase.WithLabelValues(backend).Set(phaseValue(to))
	s.m.PhaseTransitionsTotal.WithLabelValues(backend, to).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case to == "starting":
		s.started[backend] = time.Now()
	case from == "starting":
		if begun, ok := s.started[backend]; ok {
			delete(s.started, backend)
			if to == "running" {
				s.m.StartDuration.WithLabelValues(backend).Observe(time.Since(begun).Seconds())
			} else {
				s.m.StartFailuresTotal.WithLabelValues(backend).Inc()
			}
		}
	}
	return nil
}

func (s *sink) OnReject(ctx context.Context, info *events.SessionInfo, reason string) error {
	s.m.RejectionsTotal.WithLabelValues(info.Backend, reason).Inc()
	return nil
}

// ObserveQueue tracks one queued session's wait.
func (m *Metrics) ObserveQueue(backend string, f func() error) error {
	m.QueueDepth.WithLabelValues(backend).Inc()
	start := time.Now()
	defer func() {
		m.QueueDepth.WithLabelValues(backend).Dec()
		m.QueueWaited.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	}()
	return f()
}
