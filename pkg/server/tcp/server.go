// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MatthiasGr/portal/pkg/events"
	"github.com/MatthiasGr/portal/pkg/ratelimit"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ConnHandler processes one accepted connection end to end. The server
// closes the connection after Handle returns.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn, sessionID string) error
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ShutdownTimeout is the maximum time to wait for active connections
	// to drain during graceful shutdown. After this timeout, remaining
	// connections are forcefully closed.
	ShutdownTimeout time.Duration

	// Limiter optionally rate-limits new connections per source host.
	Limiter *ratelimit.ConnLimiter

	// Sink receives rate-limit rejection events.
	Sink events.Sink

	// Logger for server events
	Logger *slog.Logger
}

// Server is the public TCP endpoint: it accepts client connections and
// hands each one to the admission pipeline on its own goroutine.
type Server struct {
	config  Config
	handler ConnHandler
	wg      sync.WaitGroup
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NoopSink{}
	}

	return &Server{
		config:  cfg,
		handler: h,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.config.Logger.Info("listener started", slog.String("address", s.config.Address))

	// Connections get their own context so shutdown can first drain and
	// then force-close.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			if !s.allow(conn) {
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()

				sessionID := uuid.New().String()
				if err := s.handler.Handle(connCtx, conn, sessionID); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("session", sessionID),
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// allow applies the per-host connection rate limit.
func (s *Server) allow(conn net.Conn) bool {
	if s.config.Limiter == nil {
		return true
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if s.config.Limiter.Allow(host) {
		return true
	}

	s.config.Logger.Warn("connection rate limited", slog.String("remote", conn.RemoteAddr().String()))
	if err := s.config.Sink.OnReject(context.Background(), &events.SessionInfo{
		RemoteAddr: conn.RemoteAddr().String(),
	}, events.ReasonRateLimited); err != nil {
		s.config.Logger.Warn("reject sink error", slog.String("error", err.Error()))
	}
	return false
}
