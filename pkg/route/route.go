// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package route maps requested hostnames to backend descriptors. The table
// is loaded once before the listener starts and is read-only afterwards.
package route

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration wraps time.Duration with human-readable JSON encoding ("90s",
// "15m") for the routes file.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Backend describes one routed backend. Immutable after load.
type Backend struct {
	// Hostname is the case-insensitive routing key clients request.
	Hostname string `json:"hostname"`

	// Address is the host:port of the real backend.
	Address string `json:"address"`

	// StartCommand, when non-empty, is the command (argv) invoked to start
	// the backend on demand. Empty means the backend is never started by
	// the proxy and offline Login attempts only ever see the placeholder
	// path.
	StartCommand []string `json:"startCommand,omitempty"`

	// StopCommand, when non-empty, is invoked best-effort on idle
	// shutdown.
	StopCommand []string `json:"stopCommand,omitempty"`

	// WakeOnLogin controls whether a Login attempt against an offline
	// backend triggers the start command. Unset defaults to true when a
	// start command exists.
	WakeOnLogin *bool `json:"wakeOnLogin,omitempty"`

	// IdleTimeout is how long the backend may sit with zero active
	// sessions before it is stopped. Zero means never stop.
	IdleTimeout Duration `json:"idleTimeout,omitempty"`

	// StartDeadline bounds how long a start may take before queued
	// sessions are rejected. Zero selects the proxy-wide default.
	StartDeadline Duration `json:"startDeadline,omitempty"`
}

// Wakeable reports whether a Login attempt may trigger on-demand startup
// of this backend.
func (b *Backend) Wakeable() bool {
	if len(b.StartCommand) == 0 {
		return false
	}
	return b.WakeOnLogin == nil || *b.WakeOnLogin
}

// Table is the immutable hostname -> backend mapping.
type Table struct {
	backends map[string]*Backend
}

// New builds a table from descriptors. Hostname keys must be unique
// case-insensitively.
func New(backends []*Backend) (*Table, error) {
	m := make(map[string]*Backend, len(backends))
	for _, b := range backends {
		if b.Hostname == "" {
			return nil, fmt.Errorf("backend with empty hostname (address %q)", b.Address)
		}
		if b.Address == "" {
			return nil, fmt.Errorf("backend %q has no address", b.Hostname)
		}
		key := normalize(b.Hostname)
		if _, ok := m[key]; ok {
			return nil, fmt.Errorf("duplicate hostname %q", key)
		}
		m[key] = b
	}
	return &Table{backends: m}, nil
}

// Lookup resolves a requested hostname. A miss is not an error at this
// layer; the admission controller decides the rejection behavior.
func (t *Table) Lookup(hostname string) (*Backend, bool) {
	b, ok := t.backends[normalize(hostname)]
	return b, ok
}

// Len returns the number of routed backends.
func (t *Table) Len() int {
	return len(t.backends)
}

// All returns every backend in the table, in no particular order.
func (t *Table) All() []*Backend {
	out := make([]*Backend, 0, len(t.backends))
	for _, b := range t.backends {
		out = append(out, b)
	}
	return out
}

// normalize lowercases the key, drops a trailing FQDN dot, and cuts any
// client-appended suffix after a NUL (modded clients tag the address with
// "\x00FML\x00" style markers).
func normalize(hostname string) string {
	if i := strings.IndexByte(hostname, 0); i >= 0 {
		hostname = hostname[:i]
	}
	hostname = strings.TrimSuffix(hostname, ".")
	return strings.ToLower(hostname)
}

// LoadFile reads a JSON routes file: an array of Backend objects.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}

	var backends []*Backend
	if err := json.Unmarshal(data, &backends); err != nil {
		return nil, fmt.Errorf("failed to parse routes file %s: %w", path, err)
	}

	return New(backends)
}
