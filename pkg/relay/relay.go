// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay executes admission decisions on a client connection: a
// raw bidirectional byte pump to the backend, a packet-level proxied
// status exchange that answers locally when the backend will not, or a
// locally composed status or disconnect exchange when no backend is
// contacted at all.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	perrors "github.com/MatthiasGr/portal/pkg/errors"
	"github.com/MatthiasGr/portal/pkg/protocol"
)

// CountFunc receives relayed byte counts per direction ("up" is client to
// backend).
type CountFunc func(direction string, n int64)

// Pipe replays prefix to the backend, then pumps bytes in both directions
// until either side closes or errors. Closing one side closes the other;
// half-close is not preserved. The already-consumed prefix bytes are the
// handshake the client sent, which the backend must observe unmodified.
func Pipe(ctx context.Context, client, backend net.Conn, prefix []byte, count CountFunc) error {
	if len(prefix) > 0 {
		if _, err := backend.Write(prefix); err != nil {
			return fmt.Errorf("failed to replay handshake: %w", err)
		}
		if count != nil {
			count("up", int64(len(prefix)))
		}
	}

	var closed atomic.Bool
	closeBoth := func() {
		if closed.CompareAndSwap(false, true) {
			client.Close()
			backend.Close()
		}
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	errCh := make(chan error, 2)

	pump := func(dst, src net.Conn, direction string) {
		n, err := io.Copy(dst, src)
		if count != nil && n > 0 {
			count(direction, n)
		}
		// Unblock the opposite pump.
		closeBoth()
		errCh <- err
	}

	go pump(backend, client, "up")
	go pump(client, backend, "down")

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !isClosedErr(err) && first == nil {
			first = err
		}
	}
	return first
}

// isClosedErr filters the errors the deliberate cross-close produces.
func isClosedErr(err error) bool {
	if err == nil || err == io.EOF {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// StatusConfig parameterizes the synthetic status exchange.
type StatusConfig struct {
	// VersionName is the version string shown in server lists.
	VersionName string

	// Description is the message shown to the client, reflecting whether
	// the backend is offline or starting.
	Description string

	// Timeout bounds the whole exchange. Default 10s.
	Timeout time.Duration

	// ResponseTimeout bounds each backend write and response during a
	// proxied exchange before it degrades to the synthetic reply.
	// Default 2s.
	ResponseTimeout time.Duration

	// Logger for exchange events.
	Logger *slog.Logger
}

// ProxyStatus forwards a status exchange to a running backend packet by
// packet, replaying the client's handshake first. Every backend write and
// response is bounded by ResponseTimeout; a backend that accepted the
// connection but stays silent degrades the exchange to the synthetic
// reply, so the client always receives an answer. The returned bool
// reports whether any part of the exchange was answered locally.
func ProxyStatus(conn net.Conn, framer *protocol.Framer, hs *protocol.Handshake, backend net.Conn, handshake []byte, cfg StatusConfig) (bool, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VersionName == "" {
		cfg.VersionName = "portal"
	}

	if err := conn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		return false, err
	}
	defer conn.Close()

	degraded := false
	bframer := protocol.NewFramer(backend, protocol.MaxFrameBytes)

	// exchange forwards one client frame and returns the backend's reply,
	// or nil once the backend has proven unresponsive.
	exchange := func(raw []byte, wantID int32) *protocol.Packet {
		if degraded {
			return nil
		}
		_ = backend.SetDeadline(time.Now().Add(cfg.ResponseTimeout))
		if _, err := backend.Write(raw); err != nil {
			degraded = true
			return nil
		}
		resp, err := bframer.Next()
		if err != nil || resp.ID != wantID {
			degraded = true
			return nil
		}
		return resp
	}

	_ = backend.SetDeadline(time.Now().Add(cfg.ResponseTimeout))
	if _, err := backend.Write(handshake); err != nil {
		degraded = true
	}

	statusSent := false
	for {
		pkt, err := framer.Next()
		if err == io.EOF {
			return degraded, nil
		}
		if err != nil {
			return degraded, err
		}

		switch pkt.ID {
		case protocol.StatusRequestID:
			if statusSent {
				cfg.Logger.Debug("duplicate status request", slog.String("remote", conn.RemoteAddr().String()))
				return degraded, perrors.ErrProtocolViolation
			}
			if err := protocol.DecodeStatusRequest(pkt); err != nil {
				return degraded, err
			}
			statusSent = true

			var frame []byte
			if resp := exchange(pkt.Raw(), protocol.StatusResponseID); resp != nil {
				frame = resp.Raw()
			} else {
				cfg.Logger.Debug("backend did not answer status request, serving placeholder",
					slog.String("remote", conn.RemoteAddr().String()))
				frame, err = protocol.EncodeStatusResponse(protocol.StatusPayload{
					Version:     protocol.StatusVersion{Name: cfg.VersionName, Protocol: hs.ProtocolVersion},
					Players:     protocol.StatusPlayers{Max: 0, Online: 0},
					Description: cfg.Description,
				})
				if err != nil {
					return degraded, err
				}
			}
			if _, err := conn.Write(frame); err != nil {
				return degraded, err
			}

		case protocol.PingRequestID:
			timestamp, err := protocol.DecodePingRequest(pkt)
			if err != nil {
				return degraded, err
			}
			frame := protocol.EncodePingResponse(timestamp)
			if resp := exchange(pkt.Raw(), protocol.PingResponseID); resp != nil {
				frame = resp.Raw()
			}
			_, err = conn.Write(frame)
			return degraded, err

		default:
			return degraded, fmt.Errorf("status packet id %#x: %w", pkt.ID, perrors.ErrProtocolViolation)
		}
	}
}

// AnswerStatus composes and sends a synthetic status reply without
// contacting any backend: at most one status response, then the standalone
// ping/pong exchange if the client sends one, then close. The protocol
// version is echoed from the client's handshake.
func AnswerStatus(conn net.Conn, framer *protocol.Framer, hs *protocol.Handshake, cfg StatusConfig) error {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VersionName == "" {
		cfg.VersionName = "portal"
	}

	if err := conn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		return err
	}
	defer conn.Close()

	statusSent := false
	for {
		pkt, err := framer.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch pkt.ID {
		case protocol.StatusRequestID:
			if statusSent {
				cfg.Logger.Debug("duplicate status request", slog.String("remote", conn.RemoteAddr().String()))
				return perrors.ErrProtocolViolation
			}
			if err := protocol.DecodeStatusRequest(pkt); err != nil {
				return err
			}
			statusSent = true

			frame, err := protocol.EncodeStatusResponse(protocol.StatusPayload{
				Version:     protocol.StatusVersion{Name: cfg.VersionName, Protocol: hs.ProtocolVersion},
				Players:     protocol.StatusPlayers{Max: 0, Online: 0},
				Description: cfg.Description,
			})
			if err != nil {
				return err
			}
			if _, err := conn.Write(frame); err != nil {
				return err
			}

		case protocol.PingRequestID:
			timestamp, err := protocol.DecodePingRequest(pkt)
			if err != nil {
				return err
			}
			_, err = conn.Write(protocol.EncodePingResponse(timestamp))
			return err

		default:
			return fmt.Errorf("status packet id %#x: %w", pkt.ID, perrors.ErrProtocolViolation)
		}
	}
}

// RejectLogin decodes the client's login start when it is already buffered
// and sends a disconnect with the given reason, best-effort. It returns
// the decoded login start, if any, for event logging.
func RejectLogin(conn net.Conn, framer *protocol.Framer, reason string, logger *slog.Logger) *protocol.LoginStart {
	if logger == nil {
		logger = slog.Default()
	}

	// The login start usually rides in the same segment as the handshake.
	// Wait only briefly if it has not arrived.
	_ = conn.SetDeadline(time.Now().Add(500 * time.Millisecond))

	var start *protocol.LoginStart
	if pkt, err := framer.Next(); err == nil {
		if decoded, err := protocol.DecodeLoginStart(pkt); err == nil {
			start = decoded
		}
	}

	frame, err := protocol.EncodeDisconnect(reason)
	if err != nil {
		logger.Warn("failed to encode disconnect", slog.String("error", err.Error()))
		return start
	}
	if _, err := conn.Write(frame); err != nil {
		logger.Debug("failed to send disconnect", slog.String("error", err.Error()))
	}
	return start
}
