// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/MatthiasGr/portal/pkg/errors"
)

// Status-state packet identifiers. Serverbound and clientbound identifiers
// overlap; direction disambiguates.
const (
	StatusRequestID  = 0x00
	PingRequestID    = 0x01
	StatusResponseID = 0x00
	PingResponseID   = 0x01
)

// StatusVersion is the version block of a status response payload.
type StatusVersion struct {
	Name     string `json:"name"`
	Protocol int32  `json:"protocol"`
}

// StatusPlayers is the players block of a status response payload.
type StatusPlayers struct {
	Max    int `json:"max"`
	Online int `json:"online"`
}

// StatusPayload is the JSON document carried by a status response.
type StatusPayload struct {
	Version               StatusVersion `json:"version"`
	Players               StatusPlayers `json:"players"`
	Description           string        `json:"description"`
	EnforcesSecureProfile bool          `json:"enforceSecureProfile"`
}

// DecodeStatusRequest validates pkt as a serverbound status request, which
// carries no payload.
func DecodeStatusRequest(pkt *Packet) error {
	if pkt.ID != StatusRequestID {
		return fmt.Errorf("status request packet id %#x: %w", pkt.ID, errors.ErrProtocolViolation)
	}
	if len(pkt.Payload) != 0 {
		return fmt.Errorf("%d trailing bytes after status request: %w", len(pkt.Payload), errors.ErrProtocolViolation)
	}
	return nil
}

// DecodePingRequest decodes a serverbound ping and returns the client's
// opaque timestamp, echoed verbatim in the pong.
func DecodePingRequest(pkt *Packet) (int64, error) {
	if pkt.ID != PingRequestID {
		return 0, fmt.Errorf("ping request packet id %#x: %w", pkt.ID, errors.ErrProtocolViolation)
	}
	if len(pkt.Payload) != 8 {
		return 0, fmt.Errorf("ping payload length %d: %w", len(pkt.Payload), errors.ErrProtocolViolation)
	}
	return int64(binary.BigEndian.Uint64(pkt.Payload)), nil
}

// EncodeStatusResponse builds a clientbound status response frame from the
// given payload document.
func EncodeStatusResponse(payload StatusPayload) ([]byte, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status payload: %w", err)
	}
	var body []byte
	body = AppendVarInt(body, int32(len(doc)))
	body = append(body, doc...)
	return EncodeFrame(StatusResponseID, body), nil
}

// DecodeStatusResponse decodes a clientbound status response payload. Used
// when proxying a status exchange to verify the backend actually answered.
func DecodeStatusResponse(pkt *Packet) (*StatusPayload, error) {
	if pkt.ID != StatusResponseID {
		return nil, fmt.Errorf("status response packet id %#x: %w", pkt.ID, errors.ErrProtocolViolation)
	}
	r := bytes.NewReader(pkt.Payload)
	doc, err := readString(r, MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	var payload StatusPayload
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		return nil, fmt.Errorf("status response document: %w", errors.ErrProtocolViolation)
	}
	return &payload, nil
}

// EncodePingResponse builds a clientbound pong frame echoing timestamp.
func EncodePingResponse(timestamp int64) []byte {
	payload := binary.BigEndian.AppendUint64(nil, uint64(timestamp))
	return EncodeFrame(PingResponseID, payload)
}
