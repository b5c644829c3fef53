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

// Package ringbuffer implements TimestampedBuffer (spec.md 3.2, 4.2): a
// lock-free-between-ends ring of PCM frames where every slot's
// presentation time is derived by linear extrapolation of a nominal frame
// period, plus a small frame-rate DLL that tracks the measured rate.
package ringbuffer

import (
	"fmt"
	"math"

	"github.com/ffado/streamcore/ticks"
)

// FrameCallback de-multiplexes one frame's raw bytes into client ports
// during a block read (spec.md 4.2 read_frames callback).
type FrameCallback func(frame []byte)

// Buffer is TimestampedBuffer. It does no locking and uses no atomic
// operations, so its methods are not safe to call concurrently from more
// than one goroutine, not even from one writer and one reader.
type Buffer struct {
	frameSize int // bytes per frame (eventSize * eventsPerFrame)
	capacity  int // frames

	data []byte
	head int // next frame to read
	fill int // frames currently held

	tailTimestamp uint64 // ticks, modulo 128s
	ticksPerFrame float64
	nominalTPF    float64

	updatePeriodFrames int // DLL update granularity, in frames
	framesSinceUpdate  int

	transparent bool
}

// New creates a Buffer for capacity frames of frameSize bytes each, with a
// nominal tick-per-frame rate (e.g. ticks.PerSecond/sampleRate) and a DLL
// update period in frames.
func New(capacity, frameSize int, nominalTicksPerFrame float64, updatePeriodFrames int) *Buffer {
	if updatePeriodFrames <= 0 {
		updatePeriodFrames = 1
	}
	return &Buffer{
		frameSize:          frameSize,
		capacity:           capacity,
		data:               make([]byte, capacity*frameSize),
		ticksPerFrame:      nominalTicksPerFrame,
		nominalTPF:         nominalTicksPerFrame,
		updatePeriodFrames: updatePeriodFrames,
	}
}

// SetTransparent enables/disables the transparent mode (spec.md 3.2, 3.3):
// while transparent, reads and writes succeed without moving data, used
// while stopped or waiting for a stream to (re)synchronize.
func (b *Buffer) SetTransparent(on bool) { b.transparent = on }

// Transparent reports the current transparent-mode state.
func (b *Buffer) Transparent() bool { return b.transparent }

// Fill returns the number of frames currently held.
func (b *Buffer) Fill() int { return b.fill }

// Capacity returns the buffer's frame capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// TicksPerFrame returns the DLL's current estimate of the frame period.
func (b *Buffer) TicksPerFrame() float64 { return b.ticksPerFrame }

func (b *Buffer) slotOffset(n int) int {
	return (b.head + n) % b.capacity * b.frameSize
}

// WriteFrames appends n frames from src (n*frameSize bytes), declaring ts
// as the tail timestamp after the write (spec.md 4.2). It returns an error
// if there isn't room, unless transparent, in which case the write is a
// no-op success.
func (b *Buffer) WriteFrames(n int, src []byte, ts uint64) error {
	if b.transparent {
		return nil
	}
	if len(src) < n*b.frameSize {
		return fmt.Errorf("ringbuffer: src too short: have %d bytes, need %d", len(src), n*b.frameSize)
	}
	if b.fill+n > b.capacity {
		return fmt.Errorf("ringbuffer: overrun: fill=%d n=%d capacity=%d", b.fill, n, b.capacity)
	}
	writeAt := (b.head + b.fill) % b.capacity
	for i := 0; i < n; i++ {
		dstOff := ((writeAt + i) % b.capacity) * b.frameSize
		copy(b.data[dstOff:dstOff+b.frameSize], src[i*b.frameSize:(i+1)*b.frameSize])
	}
	b.fill += n
	b.updateRate(n, ts)
	b.tailTimestamp = ts % ticks.Max
	return nil
}

// updateRate runs the frame-rate DLL: every updatePeriodFrames frames it
// compares the declared tail timestamp against the nominal prediction and
// nudges ticksPerFrame so it tracks the measured rate, clamped to within
// 2x of nominal (spec.md 4.2 invariants).
func (b *Buffer) updateRate(n int, newTailTS uint64) {
	b.framesSinceUpdate += n
	if b.framesSinceUpdate < b.updatePeriodFrames {
		return
	}
	predicted := ticks.AddTicks(b.tailTimestamp, uint64(math.Round(float64(b.framesSinceUpdate)*b.ticksPerFrame)))
	errTicks := ticks.DiffTicks(newTailTS, predicted)
	measuredTPF := b.ticksPerFrame + float64(errTicks)/float64(b.framesSinceUpdate)

	if measuredTPF > 2*b.nominalTPF {
		measuredTPF = 2 * b.nominalTPF
	} else if measuredTPF < b.nominalTPF/2 {
		measuredTPF = b.nominalTPF / 2
	}
	b.ticksPerFrame = measuredTPF
	b.framesSinceUpdate = 0
}

// ReadFrames consumes n frames into dst (spec.md 4.2). In transparent mode
// the read succeeds without moving data and dst is left untouched.
func (b *Buffer) ReadFrames(n int, dst []byte) error {
	if b.transparent {
		return nil
	}
	if b.fill < n {
		return fmt.Errorf("ringbuffer: underrun: fill=%d n=%d", b.fill, n)
	}
	if len(dst) < n*b.frameSize {
		return fmt.Errorf("ringbuffer: dst too short: have %d bytes, need %d", len(dst), n*b.frameSize)
	}
	for i := 0; i < n; i++ {
		srcOff := b.slotOffset(i)
		copy(dst[i*b.frameSize:(i+1)*b.frameSize], b.data[srcOff:srcOff+b.frameSize])
	}
	b.head = (b.head + n) % b.capacity
	b.fill -= n
	return nil
}

// BlockProcessReadFrames consumes n frames, invoking cb once per frame
// with that frame's raw bytes so the caller can de-multiplex into client
// ports (spec.md 4.2).
func (b *Buffer) BlockProcessReadFrames(n int, cb FrameCallback) error {
	if b.transparent {
		for i := 0; i < n; i++ {
			cb(nil)
		}
		return nil
	}
	if b.fill < n {
		return fmt.Errorf("ringbuffer: underrun: fill=%d n=%d", b.fill, n)
	}
	for i := 0; i < n; i++ {
		off := b.slotOffset(i)
		cb(b.data[off : off+b.frameSize])
	}
	b.head = (b.head + n) % b.capacity
	b.fill -= n
	return nil
}

// DropFrames consumes n frames without copying them anywhere.
func (b *Buffer) DropFrames(n int) error {
	if b.transparent {
		return nil
	}
	if b.fill < n {
		return fmt.Errorf("ringbuffer: underrun: fill=%d n=%d", b.fill, n)
	}
	b.head = (b.head + n) % b.capacity
	b.fill -= n
	return nil
}

// GetBufferTailTimestamp returns the timestamp of the slot just after the
// last written frame, and the current fill.
func (b *Buffer) GetBufferTailTimestamp() (ts uint64, frameCount int) {
	return b.tailTimestamp, b.fill
}

// GetBufferHeadTimestamp returns the timestamp of the next frame to be
// read: tail_timestamp - fill*ticks_per_frame (spec.md 3.2).
func (b *Buffer) GetBufferHeadTimestamp() (ts uint64, frameCount int) {
	delta := uint64(math.Round(float64(b.fill) * b.ticksPerFrame))
	return ticks.SubTicks(b.tailTimestamp, delta), b.fill
}

// TimestampAtDistanceFromTail returns the timestamp of the frame n slots
// before the tail: tail_timestamp - n*ticks_per_frame (spec.md 3.2).
func (b *Buffer) TimestampAtDistanceFromTail(n int) uint64 {
	delta := uint64(math.Round(float64(n) * b.ticksPerFrame))
	return ticks.SubTicks(b.tailTimestamp, delta)
}

// TimestampAtDistanceFromHead returns the timestamp of the frame n slots
// after the head: tail_timestamp - fill*ticks_per_frame + n*ticks_per_frame
// (spec.md 3.2).
func (b *Buffer) TimestampAtDistanceFromHead(n int) uint64 {
	headTS, _ := b.GetBufferHeadTimestamp()
	return ticks.AddTicks(headTS, uint64(math.Round(float64(n)*b.ticksPerFrame)))
}

// SetBufferTailTimestamp reseeds the tail timestamp after a discontinuity
// (spec.md 4.2), e.g. when a stream processor restarts from DryRunning.
func (b *Buffer) SetBufferTailTimestamp(ts uint64) {
	b.tailTimestamp = ts % ticks.Max
}

// PreloadFrames fills the buffer ahead of streaming without running the
// rate DLL; used to pre-fill a transmit buffer before the bus clock has
// locked (spec.md 4.2). If monotonic is true, the declared timestamps for
// consecutive preloaded frames are forced to strictly increase by
// ticksPerFrame regardless of ts, matching preload's "no discontinuity"
// contract.
func (b *Buffer) PreloadFrames(n int, src []byte, ts uint64, monotonic bool) error {
	if len(src) < n*b.frameSize {
		return fmt.Errorf("ringbuffer: src too short: have %d bytes, need %d", len(src), n*b.frameSize)
	}
	if b.fill+n > b.capacity {
		return fmt.Errorf("ringbuffer: overrun: fill=%d n=%d capacity=%d", b.fill, n, b.capacity)
	}
	writeAt := (b.head + b.fill) % b.capacity
	for i := 0; i < n; i++ {
		dstOff := ((writeAt + i) % b.capacity) * b.frameSize
		copy(b.data[dstOff:dstOff+b.frameSize], src[i*b.frameSize:(i+1)*b.frameSize])
	}
	b.fill += n
	if monotonic {
		b.tailTimestamp = ticks.AddTicks(b.tailTimestamp, uint64(math.Round(float64(n)*b.ticksPerFrame)))
	} else {
		b.tailTimestamp = ts % ticks.Max
	}
	return nil
}

// WriteSilence appends n frames of zero bytes, used by DryRunning
// transmit processing and xrun recovery (spec.md 4.5 put_silence_frames).
func (b *Buffer) WriteSilence(n int, ts uint64) error {
	silence := make([]byte, n*b.frameSize)
	return b.WriteFrames(n, silence, ts)
}

// CheckInvariants verifies the mutator-enforced invariants from spec.md
// 4.2: 0<=fill<=capacity and ticksPerFrame within 2x of nominal. Intended
// for tests and for assertions in debug builds.
func (b *Buffer) CheckInvariants() error {
	if b.fill < 0 || b.fill > b.capacity {
		return fmt.Errorf("ringbuffer: fill %d out of [0,%d]", b.fill, b.capacity)
	}
	if b.ticksPerFrame > 2*b.nominalTPF || b.ticksPerFrame < b.nominalTPF/2 {
		return fmt.Errorf("ringbuffer: ticks_per_frame %f out of 2x band around nominal %f", b.ticksPerFrame, b.nominalTPF)
	}
	return nil
}
