// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	perrors "github.com/MatthiasGr/portal/pkg/errors"
	"github.com/MatthiasGr/portal/pkg/events"
	"github.com/MatthiasGr/portal/pkg/lifecycle"
	"github.com/MatthiasGr/portal/pkg/metrics"
	"github.com/MatthiasGr/portal/pkg/protocol"
	"github.com/MatthiasGr/portal/pkg/relay"
	"github.com/MatthiasGr/portal/pkg/route"
)

// Placeholder descriptions shown in synthetic status replies.
const (
	descOffline  = "Server is offline. Join to start it."
	descStarting = "Server is starting, hang tight..."
)

// Config holds the admission controller configuration.
type Config struct {
	// HandshakeTimeout bounds how long a client may take to deliver its
	// first frame. Default 5s.
	HandshakeTimeout time.Duration

	// DialTimeout bounds the outbound connection to a backend. Default 5s.
	DialTimeout time.Duration

	// StatusTimeout bounds the dial and each response of a proxied status
	// exchange before falling back to the placeholder. Default 2s.
	StatusTimeout time.Duration

	// VersionName is the version string used in synthetic status replies.
	VersionName string

	// Logger for admission events.
	Logger *slog.Logger

	// Sink receives session open/close and rejection events.
	Sink events.Sink

	// Metrics, when set, records queue waits and relayed bytes.
	Metrics *metrics.Metrics
}

// Controller combines the routing decision with the backend's lifecycle
// phase to decide what happens to a new connection: proxy now, queue and
// wait, answer synthetically, or reject.
type Controller struct {
	cfg     Config
	table   *route.Table
	manager *lifecycle.Manager
	logger  *slog.Logger
	sink    events.Sink
}

// New creates an admission controller.
func New(table *route.Table, manager *lifecycle.Manager, cfg Config) *Controller {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NoopSink{}
	}
	return &Controller{
		cfg:     cfg,
		table:   table,
		manager: manager,
		logger:  cfg.Logger,
		sink:    cfg.Sink,
	}
}

// Handle processes one accepted client connection from first frame to
// close. The returned error is for server logging only; the client side
// has already been dealt with per the error taxonomy when it is non-nil.
func (c *Controller) Handle(ctx context.Context, conn net.Conn, sessionID string) error {
	begun := time.Now()
	info := &events.SessionInfo{
		SessionID:  sessionID,
		RemoteAddr: conn.RemoteAddr().String(),
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return err
	}

	framer := protocol.NewFramer(conn, protocol.MaxServerboundFrameBytes)
	pkt, err := framer.Next()
	if err != nil {
		// Malformed or oversized framing is terminal with no reply.
		c.reject(ctx, info, events.ReasonFraming)
		return perrors.New("read handshake", "", sessionID, info.RemoteAddr, err)
	}

	hs, err := protocol.DecodeHandshake(pkt)
	if err != nil {
		c.reject(ctx, info, events.ReasonProtocol)
		return perrors.New("decode handshake", "", sessionID, info.RemoteAddr, err)
	}
	info.NextState = hs.NextState.String()

	backend, routed := c.table.Lookup(hs.ServerAddress)
	if routed {
		info.Backend = backend.Hostname
	}

	if err := c.sink.OnSessionOpen(ctx, info); err != nil {
		c.logger.Warn("session open sink error", slog.String("error", err.Error()))
	}

	if !routed {
		// The protocol has no universal "unknown host" packet; close with
		// zero bytes sent.
		c.reject(ctx, info, events.ReasonRouteNotFound)
		c.closeSession(ctx, info, events.OutcomeRejected, begun)
		return perrors.New("route", hs.ServerAddress, sessionID, info.RemoteAddr, perrors.ErrRouteNotFound)
	}

	switch hs.NextState {
	case protocol.NextStateStatus:
		err = c.handleStatus(ctx, conn, framer, pkt, hs, backend, info)
	default:
		err = c.handleLogin(ctx, conn, framer, pkt, hs, backend, info, begun)
	}

	c.closeSession(ctx, info, info.Outcome, begun)
	if err != nil {
		return perrors.New("session", backend.Hostname, sessionID, info.RemoteAddr, err)
	}
	return nil
}

// handleStatus executes the status column of the decision table: proxy to
// a running backend, otherwise synthesize a placeholder reply.
func (c *Controller) handleStatus(ctx context.Context, conn net.Conn, framer *protocol.Framer, pkt *protocol.Packet, hs *protocol.Handshake, backend *route.Backend, info *events.SessionInfo) error {
	phase := c.manager.Phase(backend)

	if phase == lifecycle.PhaseRunning {
		// Real data beats the placeholder once the backend is up. A
		// backend that stopped answering degrades to the placeholder
		// instead of failing the client.
		outbound, err := c.dialBackend(ctx, backend, c.cfg.StatusTimeout)
		if err == nil {
			defer outbound.Close()

			c.manager.SessionStarted(backend)
			defer c.manager.SessionEnded(backend)

			info.Outcome = events.OutcomeProxied
			degraded, err := relay.ProxyStatus(conn, framer, hs, outbound, pkt.Raw(), relay.StatusConfig{
				VersionName:     c.cfg.VersionName,
				Description:     descOffline,
				ResponseTimeout: c.cfg.StatusTimeout,
				Logger:          c.logger,
			})
			if degraded {
				info.Outcome = events.OutcomeStatusAnswered
				c.manager.ReportUnreachable(backend)
			}
			return err
		}
		c.logger.Debug("status dial failed, serving placeholder",
			slog.String("backend", backend.Hostname),
			slog.String("error", err.Error()))
		c.manager.ReportUnreachable(backend)
		phase = lifecycle.PhaseOffline
	}

	description := descOffline
	if phase == lifecycle.PhaseStarting {
		description = descStarting
	}

	info.Outcome = events.OutcomeStatusAnswered
	return relay.AnswerStatus(conn, framer, hs, relay.StatusConfig{
		VersionName: c.cfg.VersionName,
		Description: description,
		Logger:      c.logger,
	})
}

// handleLogin executes the login column: admit immediately against a
// running backend, queue on a starting one, trigger a start on an offline
// wakeable one, and reject otherwise.
func (c *Controller) handleLogin(ctx context.Context, conn net.Conn, framer *protocol.Framer, pkt *protocol.Packet, hs *protocol.Handshake, backend *route.Backend, info *events.SessionInfo, begun time.Time) error {
	phase := c.manager.Phase(backend)
	outcome := events.OutcomeProxied

	var pending []byte
	if phase != lifecycle.PhaseRunning {
		if phase == lifecycle.PhaseOffline && !backend.Wakeable() {
			c.reject(ctx, info, events.ReasonOffline)
			c.disconnect(conn, framer, nil, "Server is offline.", info)
			return perrors.ErrBackendUnreachable
		}

		// Queue on the in-flight start (triggering it if this session is
		// first). Client hangup and deadline expiry race; first wins: the
		// watcher cancels the wait the moment the client socket dies, and
		// captures any bytes the client sends meanwhile for replay.
		waitCtx, stop := watchClient(ctx, conn)
		wait := func() error { return c.manager.EnsureRunning(waitCtx, backend) }
		var err error
		if c.cfg.Metrics != nil {
			err = c.cfg.Metrics.ObserveQueue(backend.Hostname, wait)
		} else {
			err = wait()
		}
		pending = stop()

		switch {
		case err == nil:
			outcome = events.OutcomeQueuedThenProxied

		case errors.Is(err, perrors.ErrOverloaded):
			c.reject(ctx, info, events.ReasonOverloaded)
			c.disconnect(conn, framer, pending, "Too many players waiting, try again shortly.", info)
			return err

		case errors.Is(err, perrors.ErrStartupTimeout), errors.Is(err, perrors.ErrQueueClosed):
			c.reject(ctx, info, events.ReasonStartupTimeout)
			c.disconnect(conn, framer, pending, "The server did not come up in time, try again.", info)
			return err

		default:
			// The client hung up while queued, or the server is draining.
			info.Outcome = events.OutcomeRejected
			return err
		}
	}

	outbound, err := c.dialBackend(ctx, backend, c.cfg.DialTimeout)
	if err != nil {
		// The backend passed its health probe but is gone now. That is
		// terminal for this session only; a re-probe decides the phase.
		c.manager.ReportUnreachable(backend)
		c.reject(ctx, info, events.ReasonBackendUnreachable)
		c.disconnect(conn, framer, pending, "The server is unreachable, try again.", info)
		return fmt.Errorf("%w: %v", perrors.ErrBackendUnreachable, err)
	}
	defer outbound.Close()

	_ = conn.SetReadDeadline(time.Time{})
	info.Outcome = outcome

	c.manager.SessionStarted(backend)
	defer c.manager.SessionEnded(backend)
	prefix := append(c.replayPrefix(pkt, framer), pending...)
	return relay.Pipe(ctx, conn, outbound, prefix, c.countFunc(backend))
}

// watchClient reads from the client socket while a session is queued so a
// hangup cancels the wait immediately. Bytes that arrive during the wait
// belong to the session's replay prefix; stop unblocks the watcher and
// returns them.
func watchClient(ctx context.Context, conn net.Conn) (context.Context, func() []byte) {
	waitCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var pending []byte

	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
			}
			if err != nil {
				if !errors.Is(err, os.ErrDeadlineExceeded) {
					cancel()
				}
				return
			}
		}
	}()

	stop := func() []byte {
		_ = conn.SetReadDeadline(time.Now())
		<-done
		cancel()
		return pending
	}
	return waitCtx, stop
}

// replayPrefix assembles the bytes already consumed from the client: the
// raw handshake frame plus anything the framer buffered past it. They are
// written to the backend before pumping begins, never re-read from the
// client socket.
func (c *Controller) replayPrefix(pkt *protocol.Packet, framer *protocol.Framer) []byte {
	prefix := append([]byte(nil), pkt.Raw()...)
	return append(prefix, framer.Buffered()...)
}

// dialBackend opens the outbound connection for an admitted session.
func (c *Controller) dialBackend(ctx context.Context, backend *route.Backend, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	return d.DialContext(dialCtx, "tcp", backend.Address)
}

// countFunc returns a relay byte counter bound to the backend, or nil when
// metrics are disabled.
func (c *Controller) countFunc(backend *route.Backend) relay.CountFunc {
	if c.cfg.Metrics == nil {
		return nil
	}
	return func(direction string, n int64) {
		c.cfg.Metrics.RelayedBytes.WithLabelValues(backend.Hostname, direction).Add(float64(n))
	}
}

// disconnect sends a best-effort login disconnect and records the player
// name when the login start was already buffered. Bytes the watcher
// consumed while the session was queued are put back in front of the
// framer so a login start among them still decodes.
func (c *Controller) disconnect(conn net.Conn, framer *protocol.Framer, pending []byte, reason string, info *events.SessionInfo) {
	if len(pending) > 0 {
		buffered := append(append([]byte(nil), framer.Buffered()...), pending...)
		framer = protocol.NewFramer(io.MultiReader(bytes.NewReader(buffered), conn), 0)
	}
	if start := relay.RejectLogin(conn, framer, reason, c.logger); start != nil {
		info.Player = start.Name
	}
}

// reject reports a rejection to the sink.
func (c *Controller) reject(ctx context.Context, info *events.SessionInfo, reason string) {
	info.Outcome = events.OutcomeRejected
	info.Reason = reason
	if err := c.sink.OnReject(ctx, info, reason); err != nil {
		c.logger.Warn("reject sink error", slog.String("error", err.Error()))
	}
}

// closeSession reports the terminal outcome to the sink.
func (c *Controller) closeSession(ctx context.Context, info *events.SessionInfo, outcome string, begun time.Time) {
	if outcome == "" {
		outcome = events.OutcomeRejected
	}
	info.Outcome = outcome
	info.Duration = time.Since(begun)
	if err := c.sink.OnSessionClose(ctx, info); err != nil {
		c.logger.Warn("session close sink error", slog.String("error", err.Error()))
	}
}
