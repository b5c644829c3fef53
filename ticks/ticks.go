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

// Package ticks implements the tick/cycle-timer arithmetic that the rest of
// the streaming core builds on: conversion between the 1394 bus
// Cycle-Timer-Register encoding and a flat tick counter, and wrap-aware
// arithmetic on both.
package ticks

// Per spec.md 3.1: a second is 24576000 ticks, a cycle is 3072 ticks, a
// second is 8000 cycles.
const (
	// PerSecond is the number of ticks in one second.
	PerSecond = 24576000
	// PerCycle is the number of ticks in one bus cycle.
	PerCycle = 3072
	// CyclesPerSecond is the number of bus cycles in one second.
	CyclesPerSecond = 8000
	// WrapSeconds is the period at which the cycle-timer register wraps.
	WrapSeconds = 128
	// Max is the first tick value past the wrap point; all tick values
	// are kept in [0, Max).
	Max = WrapSeconds * PerSecond
)

// CTR is the raw 32-bit cycle-timer register value: seconds:7, cycles:13,
// offset:12, matching the 1394 OHCI CYCLE_TIMER register layout.
type CTR uint32

const (
	offsetBits = 12
	cycleBits  = 13
	secondBits = 7

	offsetMask = (1 << offsetBits) - 1
	cycleMask  = (1 << cycleBits) - 1
	secondMask = (1 << secondBits) - 1
)

// Seconds returns the 7-bit seconds field.
func (c CTR) Seconds() uint32 { return (uint32(c) >> (offsetBits + cycleBits)) & secondMask }

// Cycles returns the 13-bit cycle count within the current second.
func (c CTR) Cycles() uint32 { return (uint32(c) >> offsetBits) & cycleMask }

// Offset returns the 12-bit sub-cycle offset (in 1/3072 of a cycle... no,
// in ticks-within-cycle units as defined by the OHCI register: 0..3071).
func (c CTR) Offset() uint32 { return uint32(c) & offsetMask }

// NewCTR packs seconds/cycles/offset fields into a CTR, matching the wire
// encoding used by the bus hardware.
func NewCTR(seconds, cycles, offset uint32) CTR {
	v := (seconds & secondMask) << (offsetBits + cycleBits)
	v |= (cycles & cycleMask) << offsetBits
	v |= offset & offsetMask
	return CTR(v)
}

// CTRToTicks converts a cycle-timer register value to a flat tick count in
// [0, Max). The register's "seconds" field is modulo 128, so this mapping
// is only valid relative to a known epoch; callers reconstruct the missing
// high bits from a recent host-time observation (see dll.Helper).
func CTRToTicks(c CTR) uint64 {
	return uint64(c.Seconds())*PerSecond + uint64(c.Cycles())*PerCycle + uint64(c.Offset())
}

// TicksToCTR is the inverse of CTRToTicks. Ticks are reduced modulo Max
// first so the round trip is total.
func TicksToCTR(t uint64) CTR {
	t %= Max
	seconds := uint32(t / PerSecond)
	rem := t % PerSecond
	cycles := uint32(rem / PerCycle)
	offset := uint32(rem % PerCycle)
	return NewCTR(seconds, cycles, offset)
}

// AddTicks adds b to a, wrapping at Max ticks (128s). Per spec.md 8.4 the
// result is always < 128*PerSecond.
func AddTicks(a, b uint64) uint64 {
	return (a + b) % Max
}

// SubTicks subtracts b from a, wrapping at Max ticks so the result is
// always >= 0 (spec.md 8.4).
func SubTicks(a, b uint64) uint64 {
	b %= Max
	a %= Max
	if a >= b {
		return a - b
	}
	return Max - (b - a)
}

// DiffTicks returns the signed difference a-b in the half-open range
// (-Max/2, Max/2], resolving the 128s wrap by picking whichever of the two
// congruent differences has the smaller magnitude (spec.md 3.1).
func DiffTicks(a, b uint64) int64 {
	d := int64(SubTicks(a, b))
	half := int64(Max / 2)
	if d > half {
		d -= int64(Max)
	} else if d < -half {
		d += int64(Max)
	}
	return d
}

// DiffCycles is DiffTicks expressed in whole bus cycles; spec.md 8.3
// requires the result to stay within [-4000, 4000] for any two cycle
// values that are meaningfully comparable (i.e. within half the wrap
// period of one another).
func DiffCycles(a, b uint32) int {
	ta := uint64(a) * PerCycle
	tb := uint64(b) * PerCycle
	return int(DiffTicks(ta, tb) / PerCycle)
}

// cycleOf returns the bus-cycle number (modulo CyclesPerSecond*WrapSeconds)
// of a tick value.
func cycleOf(t uint64) uint32 {
	return uint32((t % Max) / PerCycle)
}

// totalCycles is the number of distinct bus cycles in one 128s wrap period.
const totalCycles = CyclesPerSecond * WrapSeconds

// reconstructSYT is the shared core of the receive/transmit SYT
// reconstruction: given a reference cycle number (already spanning the
// full 128s range, i.e. with the seconds field folded in by the caller)
// and the 4-bit cycle nibble plus 12-bit offset carried in the SYT field,
// it recovers the nearest cycle whose low nibble matches sytCycle at or
// after refCycle. Receive and transmit differ only in how the caller
// derives refCycle's seconds field from a raw CTR snapshot (spec.md 4.3);
// once that is done the reconstruction arithmetic is identical.
func reconstructSYT(refCycle uint32, sytCycle, sytOffset uint32) (ticksValue uint64, ok bool) {
	refMasked := refCycle & 0xF
	target := sytCycle & 0xF
	if target < refMasked {
		target += 0x10
	}
	deltaCycles := target - refMasked
	newCycles := (refCycle + deltaCycles) % totalCycles

	t := (uint64(newCycles)*PerCycle + uint64(sytOffset)) % Max
	if !verifySYT(t, sytCycle, sytOffset) {
		return 0, false
	}
	return t, true
}

// ReconstructSYTReceive reconstructs the full ticks value encoded by a
// 16-bit SYT field observed on a packet received at rxCycle, per spec.md
// 3.1: "receive (SYT cycle < current cycle => wrap forward)". rxCycle is
// the full cycle number (seconds folded in) the packet was received on.
func ReconstructSYTReceive(rxCycle uint32, sytCycle, sytOffset uint32) (ticksValue uint64, ok bool) {
	return reconstructSYT(rxCycle, sytCycle, sytOffset)
}

// ReconstructSYTTransmit is the transmit-side counterpart: "current cycle
// > SYT cycle ⇒ wrap forward" (spec.md 3.1). txCycle is the full cycle
// number the packet is scheduled to go out on.
func ReconstructSYTTransmit(txCycle uint32, sytCycle, sytOffset uint32) (ticksValue uint64, ok bool) {
	return reconstructSYT(txCycle, sytCycle, sytOffset)
}

// verifySYT is the mandatory round-trip check from spec.md 8.2: the
// reconstructed ticks value must re-encode to the same SYT low bits.
func verifySYT(t uint64, sytCycle, sytOffset uint32) bool {
	cycle := cycleOf(t)
	offset := uint32(t % PerCycle)
	return (cycle&0xF) == (sytCycle&0xF) && offset == sytOffset
}

// SYTField packs a cycle/offset pair into the 16-bit SYT wire field: low 4
// bits of the cycle number in the high nibble, 12-bit offset in the low 12
// bits (IEC-61883-6 SYT layout).
func SYTField(t uint64) uint16 {
	cycle := cycleOf(t)
	offset := uint32(t % PerCycle)
	return uint16((cycle&0xF)<<12) | uint16(offset&0xFFF)
}

// SYTNoData is the reserved SYT value meaning "no timestamp in this
// packet" (spec.md 6, AMDTP wire format).
const SYTNoData uint16 = 0xFFFF

// UsecToTicksNominal converts a microsecond duration to ticks at the exact
// 24.576MHz tick rate, with no DLL correction. Used for seeding
// first-order estimates before the DLL has converged.
func UsecToTicksNominal(usec int64) int64 {
	// ticks/usec = PerSecond / 1e6 = 24.576, exact as a ratio of integers.
	const num, den = PerSecond, 1000000
	return usec * num / den
}
