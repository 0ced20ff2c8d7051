// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the framed VarInt wire protocol the proxy
// inspects: the VarInt primitive, the packet framer, and the handshake,
// status and login packets.
//
// # Framing
//
// Every unit on the wire is a frame:
//
//	VarInt  payload length (identifier + body)
//	VarInt  packet identifier
//	[]byte  body
//
// The Framer buffers across arbitrary read boundaries and never consumes a
// partial frame, so routing decisions made from the first frame are stable
// regardless of how the client's bytes were segmented. Frames declaring a
// length above the framer's maximum are rejected before any payload-sized
// buffer is allocated.
//
// # Inspected packets
//
// The proxy itself only ever decodes serverbound handshake, status request,
// ping and login start packets, and encodes their synthetic clientbound
// counterparts (status response, pong, disconnect). Everything else flows
// through the session relay untouched.
//
// # Replay
//
// Packet.Raw preserves the exact bytes of a decoded frame. Once a session
// is admitted, the handshake's raw bytes plus any buffered remainder are
// written to the backend before raw pumping begins, so the backend observes
// the identical byte stream the client produced.
package protocol
