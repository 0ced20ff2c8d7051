// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	perrors "github.com/MatthiasGr/portal/pkg/errors"
)

func decodeFrame(t *testing.T, frame []byte) *Packet {
	t.Helper()
	pkt, err := NewFramer(bytes.NewReader(frame), 0).Next()
	if err != nil {
		t.Fatalf("failed to frame test packet: %v", err)
	}
	return pkt
}

func TestDecodeHandshake(t *testing.T) {
	in := &Handshake{
		ProtocolVersion: 772,
		ServerAddress:   "mc.example.com",
		ServerPort:      25565,
		NextState:       NextStateLogin,
	}

	hs, err := DecodeHandshake(decodeFrame(t, in.Encode()))
	if err != nil {
		t.Fatalf("DecodeHandshake failed: %v", err)
	}
	if *hs != *in {
		t.Errorf("decoded %+v, want %+v", hs, in)
	}
}

func TestDecodeHandshakeWrongID(t *testing.T) {
	payload := AppendVarInt(nil, 772)
	frame := EncodeFrame(0x01, payload)

	_, err := DecodeHandshake(decodeFrame(t, frame))
	if !errors.Is(err, perrors.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation for wrong id, got %v", err)
	}
}

func TestDecodeHandshakeBadNextState(t *testing.T) {
	for _, state := range []int32{0, 4, 99} {
		in := &Handshake{ProtocolVersion: 772, ServerAddress: "a", ServerPort: 1, NextState: NextState(state)}
		_, err := DecodeHandshake(decodeFrame(t, in.Encode()))
		if !errors.Is(err, perrors.ErrProtocolViolation) {
			t.Errorf("next state %d: expected ErrProtocolViolation, got %v", state, err)
		}
	}
}

func TestDecodeHandshakeAddressTooLong(t *testing.T) {
	payload := AppendVarInt(nil, 772)
	payload = appendString(payload, strings.Repeat("a", MaxServerAddressLen+1))
	payload = binary.BigEndian.AppendUint16(payload, 25565)
	payload = AppendVarInt(payload, 1)
	frame := EncodeFrame(HandshakePacketID, payload)

	_, err := DecodeHandshake(decodeFrame(t, frame))
	if !errors.Is(err, perrors.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation for oversized address, got %v", err)
	}
}

func TestDecodeHandshakeTrailingGarbage(t *testing.T) {
	in := &Handshake{ProtocolVersion: 772, ServerAddress: "a", ServerPort: 1, NextState: NextStateStatus}
	frame := in.Encode()
	// Extend the declared length and append a junk byte inside the frame.
	payload := frame[1:] // single-byte length prefix for a frame this small
	extended := append(AppendVarInt(nil, int32(len(payload)+1)), payload...)
	extended = append(extended, 0xff)

	_, err := DecodeHandshake(decodeFrame(t, extended))
	if !errors.Is(err, perrors.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation for trailing garbage, got %v", err)
	}
}

func TestDecodeHandshakeTruncated(t *testing.T) {
	payload := AppendVarInt(nil, 772)
	payload = appendString(payload, "mc.example.com")
	// Port and next state missing.
	frame := EncodeFrame(HandshakePacketID, payload)

	_, err := DecodeHandshake(decodeFrame(t, frame))
	if !errors.Is(err, perrors.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation for truncated payload, got %v", err)
	}
}

func TestDecodeHandshakeInvalidUTF8(t *testing.T) {
	payload := AppendVarInt(nil, 772)
	payload = AppendVarInt(payload, 2)
	payload = append(payload, 0xff, 0xfe)
	payload = binary.BigEndian.AppendUint16(payload, 25565)
	payload = AppendVarInt(payload, 1)
	frame := EncodeFrame(HandshakePacketID, payload)

	_, err := DecodeHandshake(decodeFrame(t, frame))
	if !errors.Is(err, perrors.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation for invalid UTF-8, got %v", err)
	}
}
