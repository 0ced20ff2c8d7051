// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/MatthiasGr/portal/pkg/errors"
	"github.com/MatthiasGr/portal/pkg/events"
	"github.com/MatthiasGr/portal/pkg/route"
)

// Phase is a backend's lifecycle phase.
type Phase int

const (
	PhaseOffline Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseOffline:
		return "offline"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Trigger starts and stops backend processes. Start is assumed
// asynchronous: a nil return means the start action was issued, and the
// manager's health probe is the completion signal. Stop is best-effort.
type Trigger interface {
	Start(ctx context.Context, b *route.Backend) error
	Stop(ctx context.Context, b *route.Backend) error
}

// ProbeFunc checks whether a backend accepts connections. The default
// performs a plain TCP dial.
type ProbeFunc func(ctx context.Context, address string) error

// Config holds the lifecycle manager configuration.
type Config struct {
	// StartDeadline bounds a start attempt, unless the backend descriptor
	// overrides it. Default 2 minutes.
	StartDeadline time.Duration

	// ProbeInterval is the poll interval while a backend is starting.
	// Default 500ms.
	ProbeInterval time.Duration

	// ProbeTimeout is the per-probe dial timeout. Default 1s.
	ProbeTimeout time.Duration

	// QueueCapacity bounds the number of sessions queued per backend
	// awaiting a start. Default 64.
	QueueCapacity int

	// ReapInterval is how often idle backends are checked. Default 1s.
	ReapInterval time.Duration

	// Probe overrides the health probe, for tests.
	Probe ProbeFunc

	// Logger for lifecycle events.
	Logger *slog.Logger

	// Sink receives phase-change events.
	Sink events.Sink
}

// state is the mutable runtime record for one backend. All mutation goes
// through the manager while holding the per-backend mutex; no other
// component writes it.
type state struct {
	mu sync.Mutex

	desc           *route.Backend
	phase          Phase
	activeSessions int
	lastActivity   time.Time

	// waiters holds the pending completion signals of sessions queued on
	// the in-flight start. Fan-out happens exactly once per start.
	waiters []chan error
}

// Manager owns every backend's lifecycle state machine. Phase transitions
// for one backend are serialized by that backend's mutex; unrelated
// backends start and stop independently.
type Manager struct {
	cfg      Config
	trigger  Trigger
	logger   *slog.Logger
	sink     events.Sink
	probe    ProbeFunc
	backends map[string]*state

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// New creates a manager with one state record per routed backend.
func New(table *route.Table, trigger Trigger, cfg Config) *Manager {
	if cfg.StartDeadline == 0 {
		cfg.StartDeadline = 2 * time.Minute
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 500 * time.Millisecond
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NoopSink{}
	}

	probe := cfg.Probe
	if probe == nil {
		probe = tcpProbe
	}

	m := &Manager{
		cfg:      cfg,
		trigger:  trigger,
		logger:   cfg.Logger,
		sink:     cfg.Sink,
		probe:    probe,
		backends: make(map[string]*state),
		closed:   make(chan struct{}),
	}
	for _, b := range table.All() {
		m.backends[b.Hostname] = &state{desc: b, phase: PhaseOffline, lastActivity: time.Now()}
	}
	return m
}

// Phase reports the backend's current lifecycle phase.
func (m *Manager) Phase(b *route.Backend) Phase {
	st := m.backends[b.Hostname]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.phase
}

// EnsureRunning makes sure the backend is running, triggering a start when
// it is offline. The call blocks until the backend is running, the start
// deadline elapses (ErrStartupTimeout), the wait queue is full
// (ErrOverloaded, immediate), the manager shuts down (ErrQueueClosed), or
// ctx is cancelled because the client went away. Cancellation and deadline
// race; first outcome wins. At most one start action is in flight per
// backend: callers arriving while a start is underway subscribe to its
// outcome instead of triggering another.
func (m *Manager) EnsureRunning(ctx context.Context, b *route.Backend) error {
	st := m.backends[b.Hostname]

	st.mu.Lock()
	switch st.phase {
	case PhaseRunning:
		st.mu.Unlock()
		return nil

	case PhaseStopping:
		// A stop is underway; the backend cannot be handed a session and
		// a start cannot begin until the stop lands in offline.
		st.mu.Unlock()
		return errors.ErrBackendUnreachable

	case PhaseStarting, PhaseOffline:
		if len(st.waiters) >= m.cfg.QueueCapacity {
			st.mu.Unlock()
			return errors.ErrOverloaded
		}

		needStart := st.phase == PhaseOffline
		if needStart {
			m.transitionLocked(st, PhaseStarting)
		}

		ch := make(chan error, 1)
		st.waiters = append(st.waiters, ch)
		st.mu.Unlock()

		if needStart {
			if err := m.trigger.Start(context.WithoutCancel(ctx), b); err != nil {
				m.logger.Error("start trigger failed",
					slog.String("backend", b.Hostname),
					slog.String("error", err.Error()))
				m.finishStart(st, fmt.Errorf("start trigger: %w", errors.ErrStartupTimeout))
			} else {
				deadline := m.cfg.StartDeadline
				if d := time.Duration(b.StartDeadline); d > 0 {
					deadline = d
				}
				m.wg.Add(1)
				go m.probeUntilReady(st, deadline)
			}
		}

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			m.dropWaiter(st, ch)
			return ctx.Err()
		case <-m.closed:
			m.dropWaiter(st, ch)
			return errors.ErrQueueClosed
		}

	default:
		st.mu.Unlock()
		return errors.ErrBackendUnreachable
	}
}

// probeUntilReady polls the backend with a plain TCP connect until it
// answers or the start deadline elapses.
func (m *Manager) probeUntilReady(st *state, deadline time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	expire := time.NewTimer(deadline)
	defer expire.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
			err := m.probe(ctx, st.desc.Address)
			cancel()
			if err == nil {
				m.finishStart(st, nil)
				return
			}

		case <-expire.C:
			m.finishStart(st, errors.ErrStartupTimeout)
			return

		case <-m.closed:
			m.finishStart(st, errors.ErrQueueClosed)
			return
		}
	}
}

// finishStart resolves an in-flight start: the phase moves to running on
// success or back to offline on failure, and the outcome fans out to every
// queued waiter exactly once.
func (m *Manager) finishStart(st *state, result error) {
	st.mu.Lock()
	if st.phase != PhaseStarting {
		st.mu.Unlock()
		return
	}
	if result == nil {
		m.transitionLocked(st, PhaseRunning)
	} else {
		m.transitionLocked(st, PhaseOffline)
	}
	waiters := st.waiters
	st.waiters = nil
	st.lastActivity = time.Now()
	st.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
	}
}

// dropWaiter removes a cancelled session from the wait set.
func (m *Manager) dropWaiter(st *state, ch chan error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, w := range st.waiters {
		if w == ch {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// SessionStarted records an admitted session against the backend.
func (m *Manager) SessionStarted(b *route.Backend) {
	st := m.backends[b.Hostname]
	st.mu.Lock()
	st.activeSessions++
	st.lastActivity = time.Now()
	st.mu.Unlock()
}

// SessionEnded records a session's termination, normal or not.
func (m *Manager) SessionEnded(b *route.Backend) {
	st := m.backends[b.Hostname]
	st.mu.Lock()
	if st.activeSessions > 0 {
		st.activeSessions--
	}
	st.lastActivity = time.Now()
	st.mu.Unlock()
}

// ActiveSessions reports the backend's current admitted-session count.
func (m *Manager) ActiveSessions(b *route.Backend) int {
	st := m.backends[b.Hostname]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeSessions
}

// ReportUnreachable tells the manager a dial to a running backend failed.
// The session that observed the failure is already lost; the manager
// re-probes asynchronously and only a failed probe moves the backend out
// of the running phase.
func (m *Manager) ReportUnreachable(b *route.Backend) {
	st := m.backends[b.Hostname]
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		err := m.probe(ctx, st.desc.Address)
		cancel()
		if err == nil {
			return
		}

		st.mu.Lock()
		if st.phase == PhaseRunning {
			m.transitionLocked(st, PhaseStopping)
			m.transitionLocked(st, PhaseOffline)
		}
		st.mu.Unlock()
	}()
}

// Run drives the idle reaper until ctx is cancelled. A running backend
// with zero active sessions and no activity for its idle timeout is
// stopped exactly once.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle(ctx)
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		}
	}
}

// reapIdle stops every backend whose idle timeout has elapsed.
func (m *Manager) reapIdle(ctx context.Context) {
	for _, st := range m.backends {
		st.mu.Lock()
		idle := time.Duration(st.desc.IdleTimeout)
		expired := st.phase == PhaseRunning &&
			idle > 0 &&
			st.activeSessions == 0 &&
			time.Since(st.lastActivity) >= idle
		if expired {
			m.transitionLocked(st, PhaseStopping)
		}
		st.mu.Unlock()

		if !expired {
			continue
		}

		// Stop is best-effort: the backend lands in offline regardless,
		// since the manager cannot keep an unreachable backend running.
		if err := m.trigger.Stop(ctx, st.desc); err != nil {
			m.logger.Warn("stop trigger failed",
				slog.String("backend", st.desc.Hostname),
				slog.String("error", err.Error()))
		}

		st.mu.Lock()
		m.transitionLocked(st, PhaseOffline)
		st.mu.Unlock()
	}
}

// Close shuts the manager down, rejecting all queued sessions.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.closed)
	})
	m.wg.Wait()
}

// transitionLocked records a phase change. The caller holds st.mu.
func (m *Manager) transitionLocked(st *state, to Phase) {
	from := st.phase
	if from == to {
		return
	}
	st.phase = to
	m.logger.Debug("backend phase transition",
		slog.String("backend", st.desc.Hostname),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if err := m.sink.OnPhaseChange(context.Background(), st.desc.Hostname, from.String(), to.String()); err != nil {
		m.logger.Warn("phase change sink error", slog.String("error", err.Error()))
	}
}

// tcpProbe is the default health probe: a plain TCP connect.
func tcpProbe(ctx context.Context, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}
