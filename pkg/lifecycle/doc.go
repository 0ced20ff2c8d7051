// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle owns the per-backend state machine and serializes all
// start and stop actions.
//
// # Phases
//
//	offline ──► starting ──► running ──► stopping ──► offline
//	               │
//	               └──► offline (start failure or deadline expiry)
//
// No transition skips a phase. Each backend is guarded by its own mutex,
// so unrelated backends start and stop concurrently without contending.
//
// # Starting
//
// The first EnsureRunning call against an offline backend invokes the
// start trigger exactly once and begins polling the backend's address with
// a plain TCP connect at a fixed interval. Callers arriving while the
// start is in flight subscribe to its outcome rather than triggering a
// second start. The outcome (running, startup timeout, or shutdown) fans
// out to every queued waiter exactly once, then the wait set is cleared.
//
// A queued caller is removed from the wait set early when its context is
// cancelled, which is how a client hanging up before the backend is ready
// gets observed.
//
// # Idle shutdown
//
// Run drives a reaper that stops a running backend once it has had zero
// active sessions for its idle timeout. The stop trigger is best-effort;
// the phase lands in offline regardless, since the manager cannot keep an
// unreachable backend "running".
package lifecycle
