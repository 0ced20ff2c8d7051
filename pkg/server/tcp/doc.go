// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the proxy's public TCP endpoint.
//
// # Overview
//
// The server accepts connections on a single listen address and hands each
// one to a ConnHandler on its own goroutine. The handler (the admission
// controller in this project) owns the connection from first frame to
// close; the server only contributes per-source rate limiting, session
// identifiers, and graceful shutdown.
//
// # Connection Flow
//
//  1. Client connects to the listen address
//  2. Per-host rate limit applied; limited connections close immediately
//  3. A session ID is generated
//  4. ConnHandler.Handle runs on a dedicated goroutine
//  5. The connection closes when Handle returns
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//  1. The listener closes, stopping new connections
//  2. Active connections drain, bounded by ShutdownTimeout
//  3. Remaining connections are forcefully closed
//  4. ErrShutdownTimeout is returned if draining timed out
//
// Connection tracking uses sync.WaitGroup:
//
//	server.wg.Add(1)
//	go handle(...)
//	defer server.wg.Done()
package tcp
