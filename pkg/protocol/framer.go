// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/MatthiasGr/portal/pkg/errors"
)

const (
	// MaxFrameBytes is the absolute ceiling on a frame's declared payload
	// length, matching the three-byte VarInt limit the wire protocol uses
	// for its own length prefixes.
	MaxFrameBytes = 1<<21 - 1

	// MaxServerboundFrameBytes caps the frames this proxy ever decodes
	// itself: handshake, status request, ping and login start. A valid
	// handshake cannot exceed a few hundred bytes, so anything larger is
	// treated as hostile before a buffer for it exists.
	MaxServerboundFrameBytes = 1024

	readChunk = 512
)

// Packet is one complete frame: a VarInt packet identifier and the payload
// bytes that follow it.
type Packet struct {
	ID      int32
	Payload []byte

	raw []byte
}

// Raw returns the packet's full wire encoding, length prefix included.
// Sessions replay these bytes to the backend so it observes exactly the
// handshake the client sent.
func (p *Packet) Raw() []byte {
	return p.raw
}

// Framer turns an incrementally-filled byte stream into discrete frames.
// It buffers across short reads and resumes parsing idempotently, so a
// packet split across any number of TCP segments decodes identically to
// one delivered whole.
type Framer struct {
	r   io.Reader
	buf []byte
	max int
}

// NewFramer creates a framer reading from r. Frames declaring a payload
// longer than max fail with ErrFrameTooLarge before any payload-sized
// allocation happens. A max of 0 selects MaxServerboundFrameBytes.
func NewFramer(r io.Reader, max int) *Framer {
	if max <= 0 || max > MaxFrameBytes {
		max = MaxServerboundFrameBytes
	}
	return &Framer{r: r, max: max}
}

// Next blocks until one complete frame is available and returns it.
// io.EOF is returned only on a clean boundary between frames; a stream
// ending mid-frame yields io.ErrUnexpectedEOF.
func (f *Framer) Next() (*Packet, error) {
	for {
		pkt, err := f.decode()
		if err != nil {
			return nil, err
		}
		if pkt != nil {
			return pkt, nil
		}

		chunk := make([]byte, readChunk)
		n, err := f.r.Read(chunk)
		if n > 0 {
			f.buf = append(f.buf, chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if err == io.EOF && len(f.buf) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
}

// Buffered returns bytes read past the last decoded frame. Together with
// Packet.Raw these form the prefix a session must replay to the backend.
func (f *Framer) Buffered() []byte {
	return f.buf
}

// decode attempts to parse one frame from the buffer. It returns
// (nil, nil) when more input is needed and never consumes a partial frame.
func (f *Framer) decode() (*Packet, error) {
	r := bytes.NewReader(f.buf)

	length, err := ReadVarInt(r)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return nil, nil
	case err != nil:
		return nil, err
	}

	if length <= 0 {
		// The packet identifier is mandatory, so an empty frame is
		// impossible to satisfy.
		return nil, fmt.Errorf("declared frame length %d: %w", length, errors.ErrFrameCorrupt)
	}
	if int(length) > f.max {
		return nil, fmt.Errorf("declared frame length %d exceeds %d: %w", length, f.max, errors.ErrFrameTooLarge)
	}

	prefix := len(f.buf) - r.Len()
	total := prefix + int(length)
	if len(f.buf) < total {
		return nil, nil
	}

	body := bytes.NewReader(f.buf[prefix:total])
	id, err := ReadVarInt(body)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("frame truncated before packet id: %w", errors.ErrFrameCorrupt)
	}
	if err != nil {
		return nil, err
	}

	idLen := int(length) - body.Len()
	pkt := &Packet{
		ID:      id,
		Payload: append([]byte(nil), f.buf[prefix+idLen:total]...),
		raw:     append([]byte(nil), f.buf[:total]...),
	}
	f.buf = append(f.buf[:0], f.buf[total:]...)
	return pkt, nil
}

// EncodeFrame builds the wire encoding of a frame: VarInt total length,
// VarInt packet identifier, payload.
func EncodeFrame(id int32, payload []byte) []byte {
	total := int32(VarIntSize(id) + len(payload))
	out := make([]byte, 0, VarIntSize(total)+int(total))
	out = AppendVarInt(out, total)
	out = AppendVarInt(out, id)
	return append(out, payload...)
}
