// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the observability sink the proxy core writes to.
// The core never depends on a sink for correctness; sink errors are logged
// by callers and otherwise ignored.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Session outcomes.
const (
	OutcomeProxied           = "proxied"
	OutcomeStatusAnswered    = "status_answered"
	OutcomeQueuedThenProxied = "queued_then_proxied"
	OutcomeRejected          = "rejected"
)

// Rejection reasons, aligned with the error taxonomy in pkg/errors.
const (
	ReasonFraming            = "framing"
	ReasonProtocol           = "protocol"
	ReasonRouteNotFound      = "route_not_found"
	ReasonStartupTimeout     = "startup_timeout"
	ReasonOverloaded         = "overloaded"
	ReasonBackendUnreachable = "backend_unreachable"
	ReasonOffline            = "offline"
	ReasonRateLimited        = "rate_limited"
)

// SessionInfo carries the metadata a sink sees for one client connection.
type SessionInfo struct {
	// SessionID is a unique identifier for this connection.
	SessionID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Backend is the resolved backend hostname key, empty if no route
	// matched.
	Backend string

	// NextState is the client's declared intention (status, login,
	// transfer). Empty until the handshake decoded.
	NextState string

	// Player is the player name from a decoded login start, if any.
	Player string

	// Outcome is the terminal outcome, set on close.
	Outcome string

	// Reason is the rejection reason when Outcome is "rejected".
	Reason string

	// Duration is the session's total lifetime, set on close.
	Duration time.Duration
}

// Sink receives proxy lifecycle events. Implementations must be safe for
// concurrent use.
type Sink interface {
	// OnSessionOpen is called once the handshake decoded, before the
	// admission decision executes. Backend is empty when no route
	// matched. Every OnSessionOpen is paired with one OnSessionClose.
	OnSessionOpen(ctx context.Context, s *SessionInfo) error

	// OnSessionClose is called exactly once when the session ends, with
	// Outcome and Duration populated.
	OnSessionClose(ctx context.Context, s *SessionInfo) error

	// OnPhaseChange is called for every backend lifecycle transition.
	OnPhaseChange(ctx context.Context, backend, from, to string) error

	// OnReject is called when a session is rejected, before
	// OnSessionClose.
	OnReject(ctx context.Context, s *SessionInfo, reason string) error
}

// NoopSink is a Sink that ignores all events.
type NoopSink struct{}

var _ Sink = (*NoopSink)(nil)

func (NoopSink) OnSessionOpen(ctx context.Context, s *SessionInfo) error  { return nil }
func (NoopSink) OnSessionClose(ctx context.Context, s *SessionInfo) error { return nil }
func (NoopSink) OnPhaseChange(ctx context.Context, backend, from, to string) error {
	return nil
}
func (NoopSink) OnReject(ctx context.Context, s *SessionInfo, reason string) error { return nil }

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink. A nil logger selects slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) OnSessionOpen(ctx context.Context, s *SessionInfo) error {
	l.logger.Info("session opened",
		slog.String("session", s.SessionID),
		slog.String("remote", s.RemoteAddr),
		slog.String("backend", s.Backend),
		slog.String("next_state", s.NextState))
	return nil
}

func (l *LogSink) OnSessionClose(ctx context.Context, s *SessionInfo) error {
	attrs := []any{
		slog.String("session", s.SessionID),
		slog.String("remote", s.RemoteAddr),
		slog.String("backend", s.Backend),
		slog.String("outcome", s.Outcome),
		slog.Duration("duration", s.Duration),
	}
	if s.Player != "" {
		attrs = append(attrs, slog.String("player", s.Player))
	}
	l.logger.Info("session closed", attrs...)
	return nil
}

func (l *LogSink) OnPhaseChange(ctx context.Context, backend, from, to string) error {
	l.logger.Info("backend phase changed",
		slog.String("backend", backend),
		slog.String("from", from),
		slog.String("to", to))
	return nil
}

func (l *LogSink) OnReject(ctx context.Context, s *SessionInfo, reason string) error {
	l.logger.Warn("session rejected",
		slog.String("session", s.SessionID),
		slog.String("remote", s.RemoteAddr),
		slog.String("backend", s.Backend),
		slog.String("reason", reason))
	return nil
}

// MultiSink fans events out to several sinks, returning the first error.
type MultiSink []Sink

var _ Sink = (MultiSink)(nil)

func (m MultiSink) OnSessionOpen(ctx context.Context, s *SessionInfo) error {
	var first error
	for _, sink := range m {
		if err := sink.OnSessionOpen(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) OnSessionClose(ctx context.Context, s *SessionInfo) error {
	var first error
	for _, sink := range m {
		if err := sink.OnSessionClose(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) OnPhaseChange(ctx context.Context, backend, from, to string) error {
	var first error
	for _, sink := range m {
		if err := sink.OnPhaseChange(ctx, backend, from, to); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) OnReject(ctx context.Context, s *SessionInfo, reason string) error {
	var first error
	for _, sink := range m {
		if err := sink.OnReject(ctx, s, reason); err != nil && first == nil {
			first = err
		}
	}
	return first
}
