// SPDX-License-Identifier: AGPL-3.0-or-later
// meshring - inter-node messaging fabric for clustered storage engines
// Copyright (C) 2026 The meshring Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/coredb-io/meshring>

package messaging

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// protocolMagic begins every connection's byte stream. A mismatch is a
// hard signal to close the socket before any handler runs.
const protocolMagic uint32 = 0xCA552DFA

// CurrentVersion is this build's protocol version, sent in every header.
const CurrentVersion uint8 = 1

// Reserved parameter keys. Unknown keys are preserved and ignored.
const (
	paramFailureCallback = "CAL_BAC" // sender wants a failure callback
	paramIsFailure       = "FAIL"    // this message is itself a failure notification
)

// getBits extracts a `count`-wide field starting at bit `start` (0 = LSB)
// using an MSB-anchored bit-range convention:
// (packed >> (start+1-count)) & ((1<<count)-1). This only agrees with the
// natural bit-range reading when start is the field's *high* bit, i.e. for
// an 8-bit field occupying bits 8-15, start=15.
func getBits(packed uint32, start, count int) uint32 {
	shift := start + 1 - count
	mask := uint32(1)<<uint(count) - 1
	return (packed >> uint(shift)) & mask
}

// setBits is getBits' inverse: it writes count bits of value into h at the
// same MSB-anchored range getBits reads from.
func setBits(h uint32, start, count int, value uint32) uint32 {
	shift := start + 1 - count
	mask := uint32(1)<<uint(count) - 1
	h &^= mask << uint(shift)
	h |= (value & mask) << uint(shift)
	return h
}

func getBit(packed uint32, bit int) bool {
	return getBits(packed, bit, 1) != 0
}

func setBit(h uint32, bit int, v bool) uint32 {
	var bv uint32
	if v {
		bv = 1
	}
	return setBits(h, bit, 1, bv)
}

// Because bits 8-15 is an 8-bit field, the version field's high bit is 15,
// not 8 — versionFieldHigh centralizes that so callers never have to
// recompute it. See wire_test.go for a round-trip of a known packed value.
const versionFieldHigh = 15
const versionFieldWidth = 8

// packHeader builds the 32-bit packed header: version in bits 8-15,
// isStream at bit 3, isCompressed at bit 2 (bit 0 = LSB; each field is
// addressed by its high bit, per the MSB-anchored getBits convention).
func packHeader(version uint8, isStream, isCompressed bool) uint32 {
	var h uint32
	h = setBits(h, versionFieldHigh, versionFieldWidth, uint32(version))
	h = setBit(h, 3, isStream)
	h = setBit(h, 2, isCompressed)
	return h
}

// unpackHeader is the inverse of packHeader.
func unpackHeader(h uint32) (version uint8, isStream, isCompressed bool) {
	version = uint8(getBits(h, versionFieldHigh, versionFieldWidth))
	isStream = getBit(h, 3)
	isCompressed = getBit(h, 2)
	return
}

// wireParam is a single (key, length-prefixed bytes value) parameter pair.
type wireParam struct {
	Key   string
	Value []byte
}

// writeFrameHeader writes the magic + packed header once, at connection
// start, before any message frames.
func writeFrameHeader(w io.Writer, version uint8) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], protocolMagic)
	binary.BigEndian.PutUint32(buf[4:8], packHeader(version, false, false))
	_, err := w.Write(buf)
	return err
}

// readFrameHeader reads and validates the magic, then the packed header,
// returning the peer's advertised protocol version. A bad magic is
// reported as ErrBadMagic so the caller can close the socket immediately
// without scheduling any stage task.
func readFrameHeader(r io.Reader) (version uint8, err error) {
	buf := make([]byte, 8)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != protocolMagic {
		return 0, ErrBadMagic
	}
	header := binary.BigEndian.Uint32(buf[4:8])
	version, _, _ = unpackHeader(header)
	return version, nil
}

// wireMessage is one on-wire message: id, timestamp, verb, parameters, and
// a length-prefixed serialized payload. The payload envelope is always
// length-prefixed so that an absent callback for a
// REQUEST_RESPONSE/INTERNAL_RESPONSE id can skip the frame instead of
// attempting (and failing) to parse it.
type wireMessage struct {
	ID        uint32
	Timestamp uint32 // low 32 bits of a millisecond wall clock
	Verb      Verb
	Params    []wireParam
	Payload   []byte
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("meshring: string too long to encode: %d bytes", len(s))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeMessage serializes one frame: (id, timestamp, verb, paramCount,
// params..., length-prefixed payload).
func writeMessage(w *bufio.Writer, m wireMessage) error {
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], m.ID)
	binary.BigEndian.PutUint32(hdr[4:8], m.Timestamp)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(m.Verb))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.Params)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	for _, p := range m.Params {
		if err := writeString(w, p.Key); err != nil {
			return err
		}
		if err := writeBytes(w, p.Value); err != nil {
			return err
		}
	}
	if err := writeBytes(w, m.Payload); err != nil {
		return err
	}
	return w.Flush()
}

// readMessage deserializes one frame from r. It never interprets the
// payload — callers resolve the deserializer (static, or via the callback
// registry for REQUEST_RESPONSE/INTERNAL_RESPONSE) and decode separately.
func readMessage(r io.Reader) (wireMessage, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return wireMessage{}, err
	}
	m := wireMessage{
		ID:        binary.BigEndian.Uint32(hdr[0:4]),
		Timestamp: binary.BigEndian.Uint32(hdr[4:8]),
		Verb:      Verb(binary.BigEndian.Uint32(hdr[8:12])),
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return wireMessage{}, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	m.Params = make([]wireParam, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return wireMessage{}, err
		}
		val, err := readBytes(r)
		if err != nil {
			return wireMessage{}, err
		}
		m.Params = append(m.Params, wireParam{Key: key, Value: val})
	}
	payload, err := readBytes(r)
	if err != nil {
		return wireMessage{}, err
	}
	m.Payload = payload
	return m, nil
}
