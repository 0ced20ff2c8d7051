// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MatthiasGr/portal/pkg/errors"
	"github.com/MatthiasGr/portal/pkg/route"
)

type fakeTrigger struct {
	starts   atomic.Int32
	stops    atomic.Int32
	startErr error
}

func (f *fakeTrigger) Start(ctx context.Context, b *route.Backend) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeTrigger) Stop(ctx context.Context, b *route.Backend) error {
	f.stops.Add(1)
	return nil
}

// fakeProbe answers healthy once ready is set.
type fakeProbe struct {
	ready atomic.Bool
}

func (f *fakeProbe) probe(ctx context.Context, address string) error {
	if f.ready.Load() {
		return nil
	}
	return context.DeadlineExceeded
}

func testTable(t *testing.T, backends ...*route.Backend) *route.Table {
	t.Helper()
	if len(backends) == 0 {
		backends = []*route.Backend{{
			Hostname:     "mc.example.com",
			Address:      "127.0.0.1:25566",
			StartCommand: []string{"start.sh"},
		}}
	}
	table, err := route.New(backends)
	if err != nil {
		t.Fatalf("route.New failed: %v", err)
	}
	return table
}

func testManager(t *testing.T, table *route.Table, trigger Trigger, cfg Config) *Manager {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = time.Millisecond
	}
	if cfg.StartDeadline == 0 {
		cfg.StartDeadline = time.Second
	}
	return New(table, trigger, cfg)
}

func TestEnsureRunningSingleStart(t *testing.T) {
	trigger := &fakeTrigger{}
	probe := &fakeProbe{}
	table := testTable(t)
	m := testManager(t, table, trigger, Config{Probe: probe.probe})
	defer m.Close()

	b, _ := table.Lookup("mc.example.com")

	// N concurrent sessions against the same offline backend must produce
	// exactly one start action, and all must be released once the probe
	// succeeds.
	const n = 10
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.EnsureRunning(context.Background(), b)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	probe.ready.Store(true)
	wg.Wait()

	if got := trigger.starts.Load(); got != 1 {
		t.Errorf("start trigger invoked %d times, want 1", got)
	}
	for i, err := range results {
		if err != nil {
			t.Errorf("session %d: EnsureRunning = %v", i, err)
		}
	}
	if m.Phase(b) != PhaseRunning {
		t.Errorf("phase = %v, want running", m.Phase(b))
	}

	// A session arriving while running returns without a second start.
	if err := m.EnsureRunning(context.Background(), b); err != nil {
		t.Errorf("EnsureRunning while running = %v", err)
	}
	if got := trigger.starts.Load(); got != 1 {
		t.Errorf("start trigger invoked %d times after running, want 1", got)
	}
}

func TestEnsureRunningStartupTimeout(t *testing.T) {
	trigger := &fakeTrigger{}
	probe := &fakeProbe{} // never ready
	table := testTable(t)
	m := testManager(t, table, trigger, Config{Probe: probe.probe, StartDeadline: 20 * time.Millisecond})
	defer m.Close()

	b, _ := table.Lookup("mc.example.com")

	const n = 3
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.EnsureRunning(context.Background(), b)
		}()
	}
	wg.Wait()

	for i, err := range results {
		if err != errors.ErrStartupTimeout {
			t.Errorf("session %d: EnsureRunning = %v, want ErrStartupTimeout", i, err)
		}
	}
	if m.Phase(b) != PhaseOffline {
		t.Errorf("phase after timeout = %v, want offline", m.Phase(b))
	}
}

func TestEnsureRunningQueueFull(t *testing.T) {
	trigger := &fakeTrigger{}
	probe := &fakeProbe{}
	table := testTable(t)
	m := testManager(t, table, trigger, Config{Probe: probe.probe, QueueCapacity: 2})
	defer m.Close()

	b, _ := table.Lookup("mc.example.com")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.EnsureRunning(context.Background(), b)
		}()
	}

	// Wait for both queued sessions to register.
	deadline := time.Now().Add(time.Second)
	for {
		st := m.backends[b.Hostname]
		st.mu.Lock()
		queued := len(st.waiters)
		st.mu.Unlock()
		if queued == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued sessions never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.EnsureRunning(context.Background(), b); err != errors.ErrOverloaded {
		t.Errorf("EnsureRunning over capacity = %v, want ErrOverloaded", err)
	}

	probe.ready.Store(true)
	wg.Wait()
}

func TestEnsureRunningCancelled(t *testing.T) {
	trigger := &fakeTrigger{}
	probe := &fakeProbe{} // never ready
	table := testTable(t)
	m := testManager(t, table, trigger, Config{Probe: probe.probe})
	defer m.Close()

	b, _ := table.Lookup("mc.example.com")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	if err := m.EnsureRunning(ctx, b); err != context.Canceled {
		t.Errorf("EnsureRunning = %v, want context.Canceled", err)
	}

	// The cancelled session must have left the wait set.
	st := m.backends[b.Hostname]
	st.mu.Lock()
	queued := len(st.waiters)
	st.mu.Unlock()
	if queued != 0 {
		t.Errorf("%d waiters left after cancellation", queued)
	}
}

func TestIdleShutdownOnce(t *testing.T) {
	trigger := &fakeTrigger{}
	probe := &fakeProbe{}
	probe.ready.Store(true)
	table := testTable(t, &route.Backend{
		Hostname:     "mc.example.com",
		Address:      "127.0.0.1:25566",
		StartCommand: []string{"start.sh"},
		IdleTimeout:  route.Duration(10 * time.Millisecond),
	})
	m := testManager(t, table, trigger, Config{Probe: probe.probe, ReapInterval: 2 * time.Millisecond})

	b, _ := table.Lookup("mc.example.com")
	if err := m.EnsureRunning(context.Background(), b); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}

	// A session keeps the backend alive past the idle timeout.
	m.SessionStarted(b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if m.Phase(b) != PhaseRunning {
		t.Fatalf("backend reaped while a session was active")
	}

	m.SessionEnded(b)

	deadline := time.Now().Add(time.Second)
	for m.Phase(b) != PhaseOffline {
		if time.Now().After(deadline) {
			t.Fatal("idle backend never stopped")
		}
		time.Sleep(time.Millisecond)
	}

	// Give the reaper further cycles; the stop must not repeat.
	time.Sleep(20 * time.Millisecond)
	if got := trigger.stops.Load(); got != 1 {
		t.Errorf("stop trigger invoked %d times, want 1", got)
	}

	cancel()
	<-done
}

func TestReportUnreachable(t *testing.T) {
	trigger := &fakeTrigger{}
	probe := &fakeProbe{}
	probe.ready.Store(true)
	table := testTable(t)
	m := testManager(t, table, trigger, Config{Probe: probe.probe})

	b, _ := table.Lookup("mc.example.com")
	if err := m.EnsureRunning(context.Background(), b); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}

	// A transient dial failure with a healthy probe leaves the phase alone.
	m.ReportUnreachable(b)
	time.Sleep(10 * time.Millisecond)
	if m.Phase(b) != PhaseRunning {
		t.Errorf("phase after healthy re-probe = %v, want running", m.Phase(b))
	}

	// With the probe failing too, the backend falls back to offline.
	probe.ready.Store(false)
	m.ReportUnreachable(b)
	deadline := time.Now().Add(time.Second)
	for m.Phase(b) != PhaseOffline {
		if time.Now().After(deadline) {
			t.Fatal("unreachable backend never marked offline")
		}
		time.Sleep(time.Millisecond)
	}

	m.Close()
}

func TestCloseRejectsQueued(t *testing.T) {
	trigger := &fakeTrigger{}
	probe := &fakeProbe{} // never ready
	table := testTable(t)
	m := testManager(t, table, trigger, Config{Probe: probe.probe})

	b, _ := table.Lookup("mc.example.com")

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.EnsureRunning(context.Background(), b)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		st := m.backends[b.Hostname]
		st.mu.Lock()
		queued := len(st.waiters)
		st.mu.Unlock()
		if queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never queued")
		}
		time.Sleep(time.Millisecond)
	}

	m.Close()
	if err := <-errCh; err != errors.ErrQueueClosed {
		t.Errorf("EnsureRunning after Close = %v, want ErrQueueClosed", err)
	}
}
