// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/MatthiasGr/portal/pkg/errors"
)

const (
	// HandshakePacketID is the identifier of the first serverbound packet
	// on every connection.
	HandshakePacketID = 0x00

	// MaxServerAddressLen bounds the requested server address. The bound
	// is checked against the raw length prefix before the string is
	// copied out of the frame.
	MaxServerAddressLen = 255
)

// NextState is the client's declared intention after the handshake.
type NextState int32

const (
	NextStateStatus   NextState = 1
	NextStateLogin    NextState = 2
	NextStateTransfer NextState = 3
)

// String returns a string representation of the next state.
func (s NextState) String() string {
	switch s {
	case NextStateStatus:
		return "status"
	case NextStateLogin:
		return "login"
	case NextStateTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Handshake is the decoded first packet of a connection. It is immutable
// once decoded and lives for one connection attempt.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       NextState
}

// DecodeHandshake decodes pkt as a handshake. Any deviation from the
// expected shape (wrong identifier, oversized or invalid address, bad
// next-state, trailing garbage, truncation) fails with
// ErrProtocolViolation; the caller terminates the connection without a
// reply.
func DecodeHandshake(pkt *Packet) (*Handshake, error) {
	if pkt.ID != HandshakePacketID {
		return nil, fmt.Errorf("handshake packet id %#x: %w", pkt.ID, errors.ErrProtocolViolation)
	}

	r := bytes.NewReader(pkt.Payload)

	version, err := ReadVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("handshake protocol version: %w", errors.ErrProtocolViolation)
	}

	address, err := readString(r, MaxServerAddressLen)
	if err != nil {
		return nil, fmt.Errorf("handshake server address: %w", err)
	}

	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return nil, fmt.Errorf("handshake server port: %w", errors.ErrProtocolViolation)
	}

	rawState, err := ReadVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("handshake next state: %w", errors.ErrProtocolViolation)
	}
	state := NextState(rawState)
	switch state {
	case NextStateStatus, NextStateLogin, NextStateTransfer:
	default:
		return nil, fmt.Errorf("handshake next state %d: %w", rawState, errors.ErrProtocolViolation)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after handshake: %w", r.Len(), errors.ErrProtocolViolation)
	}

	return &Handshake{
		ProtocolVersion: version,
		ServerAddress:   address,
		ServerPort:      port,
		NextState:       state,
	}, nil
}

// Encode returns the handshake's full frame encoding.
func (h *Handshake) Encode() []byte {
	payload := AppendVarInt(nil, h.ProtocolVersion)
	payload = appendString(payload, h.ServerAddress)
	payload = binary.BigEndian.AppendUint16(payload, h.ServerPort)
	payload = AppendVarInt(payload, int32(h.NextState))
	return EncodeFrame(HandshakePacketID, payload)
}

// readString reads a VarInt-length-prefixed UTF-8 string, validating the
// declared length against maxLen before copying any bytes.
func readString(r *bytes.Reader, maxLen int) (string, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return "", fmt.Errorf("string length: %w", errors.ErrProtocolViolation)
	}
	if length < 0 || int(length) > maxLen {
		return "", fmt.Errorf("string length %d exceeds %d: %w", length, maxLen, errors.ErrProtocolViolation)
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("string truncated: %w", errors.ErrProtocolViolation)
	}

	buf := make([]byte, length)
	if _, err := r.Read(buf); err != nil && length > 0 {
		return "", fmt.Errorf("string truncated: %w", errors.ErrProtocolViolation)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("string is not valid UTF-8: %w", errors.ErrProtocolViolation)
	}
	return string(buf), nil
}

// appendString appends the length-prefixed encoding of s.
func appendString(b []byte, s string) []byte {
	b = AppendVarInt(b, int32(len(s)))
	return append(b, s...)
}
