// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for portal.
package errors

import (
	"errors"
	"fmt"
)

// Terminal connection errors. Every one of these closes the client
// connection; none of them produce a protocol-level error reply unless the
// admission path explicitly degrades to a synthetic status or disconnect.
var (
	// ErrFrameTooLarge indicates a frame declared a length above the
	// configured maximum. The declared buffer is never allocated.
	ErrFrameTooLarge = errors.New("frame length exceeds maximum")

	// ErrFrameCorrupt indicates a malformed frame (bad VarInt, negative or
	// impossible declared length).
	ErrFrameCorrupt = errors.New("corrupt frame")

	// ErrProtocolViolation indicates semantically invalid handshake or
	// status fields (wrong packet id, oversized address, bad next-state,
	// trailing garbage).
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrRouteNotFound indicates the requested hostname has no backend.
	ErrRouteNotFound = errors.New("no route for hostname")

	// ErrStartupTimeout indicates the backend failed to become running
	// before the start deadline.
	ErrStartupTimeout = errors.New("backend startup timed out")

	// ErrOverloaded indicates the per-backend wait queue is at capacity.
	ErrOverloaded = errors.New("wait queue at capacity")

	// ErrBackendUnreachable indicates an outbound dial to a backend in the
	// running phase failed.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrQueueClosed indicates the lifecycle manager shut down while
	// sessions were still waiting.
	ErrQueueClosed = errors.New("wait queue closed")
)

// ProxyError wraps an error with session context.
type ProxyError struct {
	Op         string // Operation that failed
	Backend    string // Backend hostname key, if resolved
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s [%s] %s -> %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Backend, e.Err)
	}
	return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, backend, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Backend:    backend,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
