// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MatthiasGr/portal/pkg/ratelimit"
)

// echoHandler echoes bytes back until the client closes.
type echoHandler struct {
	sessions atomic.Int32
}

func (h *echoHandler) Handle(ctx context.Context, conn net.Conn, sessionID string) error {
	h.sessions.Add(1)
	if sessionID == "" {
		panic("empty session id")
	}
	_, err := io.Copy(conn, conn)
	return err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, cfg Config, h ConnHandler) (string, context.CancelFunc, chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg.Address = addr
	cfg.Logger = discardLogger()
	srv := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(ctx)
	}()

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never started listening on %s", addr)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return addr, cancel, done
}

func TestServerHandlesConnections(t *testing.T) {
	handler := &echoHandler{}
	addr, cancel, done := startServer(t, Config{ShutdownTimeout: time.Second}, handler)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
	conn.Close()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Listen returned %v", err)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	handler := &echoHandler{}
	addr, cancel, done := startServer(t, Config{ShutdownTimeout: 2 * time.Second}, handler)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}

	// Shut down while the connection is open: Listen must wait for the
	// handler, which exits when the client hangs up.
	cancel()
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after drain")
	}
}

func TestServerShutdownTimeout(t *testing.T) {
	// A handler that never returns until released.
	block := make(chan struct{})
	handler := connHandlerFunc(func(ctx context.Context, conn net.Conn, sessionID string) error {
		<-block
		return nil
	})
	addr, cancel, done := startServer(t, Config{ShutdownTimeout: 50 * time.Millisecond}, handler)
	defer close(block)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != ErrShutdownTimeout {
			t.Errorf("Listen returned %v, want ErrShutdownTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Listen never gave up on the stuck connection")
	}
}

type connHandlerFunc func(ctx context.Context, conn net.Conn, sessionID string) error

func (f connHandlerFunc) Handle(ctx context.Context, conn net.Conn, sessionID string) error {
	return f(ctx, conn, sessionID)
}

func TestServerRateLimit(t *testing.T) {
	handler := &echoHandler{}
	addr, cancel, done := startServer(t, Config{
		ShutdownTimeout: time.Second,
		Limiter:         ratelimit.NewConnLimiter(1, 2, 0),
	}, handler)

	// The first two connections within the burst reach the handler; the
	// third is dropped before it.
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		// A limited connection is closed without a handler; an allowed one
		// echoes.
		conn.SetDeadline(time.Now().Add(time.Second))
		conn.Write([]byte("x"))
		buf := make([]byte, 1)
		_, readErr := conn.Read(buf)
		conn.Close()

		if i < 2 && readErr != nil {
			t.Errorf("connection %d within burst: %v", i, readErr)
		}
		if i == 2 && readErr == nil {
			t.Error("connection beyond burst was served")
		}
	}

	if got := handler.sessions.Load(); got != 2 {
		t.Errorf("handler saw %d sessions, want 2", got)
	}

	cancel()
	<-done
}
