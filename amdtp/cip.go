/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package amdtp implements the IEC-61883-6 Audio & Music Data Transmission
// Protocol packet format (spec.md 4.6, 6): the 8-byte CIP header, the
// sample-rate/syt-interval tables, and the 24-bit MBLA / rate-limited MIDI
// subframe codecs. It has no knowledge of buses, threads or state
// machines; stream.AmdtpTransmitStreamProcessor and
// stream.AmdtpReceiveStreamProcessor are the callers.
package amdtp

import (
	"encoding/binary"
	"fmt"
)

// FmtAMDTP is the 6-bit CIP "fmt" field value for AM824/AMDTP streams.
const FmtAMDTP = 0x10

// eoh1 is the CIP header's "end of header"/reserved high bits, fixed at
// 0b10 for a first-generation CIP header (spec.md 6).
const eoh1 = 0x2

// Header is the 8-byte Common Isochronous Packet header (spec.md 6).
type Header struct {
	SID uint8  // source node ID, low 6 bits
	DBS uint8  // events per frame ("dimension")
	DBC uint8  // data-block continuity counter, wraps mod 256
	FDF uint8  // format-dependent field: encodes sample rate or no-data
	SYT uint16 // cycle nibble (high 4 bits) | 12-bit offset, or 0xFFFF
}

// Len is the on-wire size of a CIP header in bytes.
const Len = 8

// Encode serializes h into its 8-byte big-endian wire form.
func (h Header) Encode() [Len]byte {
	var b [Len]byte
	b[0] = h.SID & 0x3F
	b[1] = h.DBS
	b[2] = 0 // fn:2|qpc:3|sph:1|reserved:2, all zero for AMDTP-24 (spec.md 6)
	b[3] = h.DBC
	b[4] = (eoh1 << 6) | FmtAMDTP
	b[5] = h.FDF
	binary.BigEndian.PutUint16(b[6:8], h.SYT)
	return b
}

// Decode parses an 8-byte CIP header, rejecting anything that isn't a
// first-generation AMDTP header.
func Decode(b []byte) (Header, error) {
	if len(b) < Len {
		return Header{}, fmt.Errorf("amdtp: short CIP header: %d bytes", len(b))
	}
	gotEoh1 := (b[4] >> 6) & 0x3
	fmtField := b[4] & 0x3F
	if gotEoh1 != eoh1 {
		return Header{}, fmt.Errorf("amdtp: unexpected eoh1 %#x", gotEoh1)
	}
	if fmtField != FmtAMDTP {
		return Header{}, fmt.Errorf("amdtp: unsupported fmt %#x", fmtField)
	}
	return Header{
		SID: b[0] & 0x3F,
		DBS: b[1],
		DBC: b[3],
		FDF: b[5],
		SYT: binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// FDF values for the supported sample rates (spec.md 4.6, IEC-61883-6
// table 4). These match iec61883's IEC61883_FDF_SFC_* constants.
const (
	fdfSFC32000  = 0x00
	fdfSFC44100  = 0x01
	fdfSFC48000  = 0x02
	fdfSFC88200  = 0x03
	fdfSFC96000  = 0x04
	fdfSFC176400 = 0x05
	fdfSFC192000 = 0x06

	// FDFNoData marks a CIP-only empty packet (spec.md 4.5 "Empty packet").
	FDFNoData = 0xFF
)

var rateToFDF = map[int]uint8{
	32000:  fdfSFC32000,
	44100:  fdfSFC44100,
	48000:  fdfSFC48000,
	88200:  fdfSFC88200,
	96000:  fdfSFC96000,
	176400: fdfSFC176400,
	192000: fdfSFC192000,
}

var fdfToRate = func() map[uint8]int {
	m := make(map[uint8]int, len(rateToFDF))
	for rate, fdf := range rateToFDF {
		m[fdf] = rate
	}
	return m
}()

// FDFForRate returns the FDF byte for a nominal sample rate (spec.md
// "getFDF"); ProtocolError (spec.md 7) for unsupported rates.
func FDFForRate(rate int) (uint8, error) {
	fdf, ok := rateToFDF[rate]
	if !ok {
		return 0, fmt.Errorf("amdtp: unsupported sample rate %d", rate)
	}
	return fdf, nil
}

// RateForFDF is the inverse of FDFForRate, used while decoding a received
// stream's first packet to learn its rate.
func RateForFDF(fdf uint8) (int, error) {
	rate, ok := fdfToRate[fdf]
	if !ok {
		return 0, fmt.Errorf("amdtp: unrecognized FDF %#x", fdf)
	}
	return rate, nil
}

// SytIntervalForRate returns 8/16/32 frames per SYT timestamp depending on
// whether rate is a base/dual/quad-speed family member (spec.md 4.6
// "getSytInterval").
func SytIntervalForRate(rate int) (int, error) {
	switch rate {
	case 32000, 44100, 48000:
		return 8, nil
	case 88200, 96000:
		return 16, nil
	case 176400, 192000:
		return 32, nil
	default:
		return 0, fmt.Errorf("amdtp: unsupported sample rate %d", rate)
	}
}
