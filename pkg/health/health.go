// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and backend-phase endpoints over HTTP.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/MatthiasGr/portal/pkg/lifecycle"
	"github.com/MatthiasGr/portal/pkg/route"
)

// BackendStatus is one backend's entry in the status document.
type BackendStatus struct {
	Hostname       string `json:"hostname"`
	Address        string `json:"address"`
	Phase          string `json:"phase"`
	ActiveSessions int    `json:"active_sessions"`
	Wakeable       bool   `json:"wakeable"`
}

// Checker reports the proxy's view of its backends.
type Checker struct {
	table   *route.Table
	manager *lifecycle.Manager
}

// NewChecker creates a health checker over the routing table and lifecycle
// manager.
func NewChecker(table *route.Table, manager *lifecycle.Manager) *Checker {
	return &Checker{table: table, manager: manager}
}

// Backends returns the current status of every routed backend.
func (c *Checker) Backends() []BackendStatus {
	backends := c.table.All()
	out := make([]BackendStatus, 0, len(backends))
	for _, b := range backends {
		out = append(out, BackendStatus{
			Hostname:       b.Hostname,
			Address:        b.Address,
			Phase:          c.manager.Phase(b).String(),
			ActiveSessions: c.manager.ActiveSessions(b),
			Wakeable:       b.Wakeable(),
		})
	}
	return out
}

// HTTPHandler returns the backend status document. The proxy itself is
// healthy as long as it can serve this; backends being offline is normal
// operation, not degradation.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"status":   "healthy",
			"backends": c.Backends(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}
