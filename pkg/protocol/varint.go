// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/MatthiasGr/portal/pkg/errors"
)

// MaxVarIntBytes is the maximum encoded length of a VarInt. A fifth byte
// with the continuation bit set cannot occur for any 32-bit value.
const MaxVarIntBytes = 5

// ReadVarInt decodes a VarInt from r. Each byte contributes seven bits,
// least-significant group first; the high bit signals continuation.
// Truncated input surfaces as the reader's error (io.EOF or
// io.ErrUnexpectedEOF) so framing code can distinguish "need more input"
// from corruption.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var v uint32
	for i := 0; i < MaxVarIntBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(v), nil
		}
	}
	return 0, fmt.Errorf("varint exceeds %d bytes: %w", MaxVarIntBytes, errors.ErrFrameCorrupt)
}

// AppendVarInt appends the VarInt encoding of v to b.
func AppendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for u&^0x7f != 0 {
		b = append(b, byte(u&0x7f|0x80))
		u >>= 7
	}
	return append(b, byte(u))
}

// WriteVarInt encodes v to w.
func WriteVarInt(w io.Writer, v int32) error {
	var buf [MaxVarIntBytes]byte
	_, err := w.Write(AppendVarInt(buf[:0], v))
	return err
}

// VarIntSize returns the encoded length of v in bytes.
func VarIntSize(v int32) int {
	n := (bits.Len32(uint32(v)) + 6) / 7
	if n == 0 {
		return 1
	}
	return n
}
