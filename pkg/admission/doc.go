// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admission decides what happens to every new connection, given
// the client's declared next state and the backend's lifecycle phase.
//
// # Decision table
//
//	            offline              starting             running
//	status      placeholder reply    placeholder reply    proxy; placeholder if
//	                                 ("starting")         the backend is silent
//	login       start + queue        queue on in-flight   admit, proxy
//	            (wakeable only)      start
//
// An unknown hostname is rejected for both states and the connection
// closes with zero bytes sent. Queued sessions are bounded by the
// per-backend queue capacity and by the start deadline; beyond either the
// session is rejected with a best-effort disconnect message.
package admission
