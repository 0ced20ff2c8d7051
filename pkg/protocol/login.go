// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/MatthiasGr/portal/pkg/errors"
	"github.com/google/uuid"
)

// Login-state packet identifiers.
const (
	LoginStartID      = 0x00
	LoginDisconnectID = 0x00

	// MaxPlayerNameLen bounds the player name in a login start packet.
	MaxPlayerNameLen = 16
)

// LoginStart is the first serverbound packet of the login state. The proxy
// decodes it only for event logging and for naming the player in a
// disconnect reason; admitted sessions have it relayed untouched.
type LoginStart struct {
	Name string
	UUID uuid.UUID
}

// DecodeLoginStart decodes pkt as a login start packet.
func DecodeLoginStart(pkt *Packet) (*LoginStart, error) {
	if pkt.ID != LoginStartID {
		return nil, fmt.Errorf("login start packet id %#x: %w", pkt.ID, errors.ErrProtocolViolation)
	}

	r := bytes.NewReader(pkt.Payload)
	name, err := readString(r, MaxPlayerNameLen)
	if err != nil {
		return nil, fmt.Errorf("login start name: %w", err)
	}

	var raw [16]byte
	if n, _ := r.Read(raw[:]); n != len(raw) {
		return nil, fmt.Errorf("login start uuid truncated: %w", errors.ErrProtocolViolation)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after login start: %w", r.Len(), errors.ErrProtocolViolation)
	}

	return &LoginStart{Name: name, UUID: uuid.UUID(raw)}, nil
}

// EncodeDisconnect builds a clientbound login disconnect frame with the
// given human-readable reason.
func EncodeDisconnect(reason string) ([]byte, error) {
	doc, err := json.Marshal(map[string]string{"text": reason})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal disconnect reason: %w", err)
	}
	var payload []byte
	payload = AppendVarInt(payload, int32(len(doc)))
	payload = append(payload, doc...)
	return EncodeFrame(LoginDisconnectID, payload), nil
}
