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

package ringbuffer

import (
	"testing"

	"github.com/ffado/streamcore/ticks"
	"github.com/stretchr/testify/require"
)

const nominalTPF = float64(ticks.PerSecond) / 48000.0

func frames(n, frameSize int, fill byte) []byte {
	b := make([]byte, n*frameSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(256, 4, nominalTPF, 64)
	src := frames(10, 4, 0xAB)
	require.NoError(t, b.WriteFrames(10, src, 123456))
	require.Equal(t, 10, b.Fill())

	dst := make([]byte, 10*4)
	require.NoError(t, b.ReadFrames(10, dst))
	require.Equal(t, src, dst)
	require.Equal(t, 0, b.Fill())
}

func TestWriteOverrunRejected(t *testing.T) {
	b := New(4, 4, nominalTPF, 64)
	require.NoError(t, b.WriteFrames(4, frames(4, 4, 1), 0))
	require.Error(t, b.WriteFrames(1, frames(1, 4, 1), 0))
}

func TestReadUnderrunRejected(t *testing.T) {
	b := New(4, 4, nominalTPF, 64)
	require.NoError(t, b.WriteFrames(2, frames(2, 4, 1), 0))
	dst := make([]byte, 4*4)
	require.Error(t, b.ReadFrames(4, dst))
}

func TestWrapsAroundCapacity(t *testing.T) {
	b := New(4, 4, nominalTPF, 64)
	require.NoError(t, b.WriteFrames(3, frames(3, 4, 1), 0))
	dst := make([]byte, 2*4)
	require.NoError(t, b.ReadFrames(2, dst))
	// head is now at slot 2; writing 3 more must wrap past the end.
	require.NoError(t, b.WriteFrames(3, frames(3, 4, 2), 1000))
	require.Equal(t, 4, b.Fill())
}

func TestTransparentModeNoOps(t *testing.T) {
	b := New(4, 4, nominalTPF, 64)
	b.SetTransparent(true)
	require.NoError(t, b.WriteFrames(100, frames(100, 4, 9), 0))
	require.Equal(t, 0, b.Fill())
	require.NoError(t, b.ReadFrames(100, make([]byte, 400)))
}

func TestBlockProcessReadFramesInvokesCallbackPerFrame(t *testing.T) {
	b := New(8, 4, nominalTPF, 64)
	require.NoError(t, b.WriteFrames(3, frames(3, 4, 7), 0))
	var seen int
	err := b.BlockProcessReadFrames(3, func(frame []byte) {
		seen++
		require.Len(t, frame, 4)
	})
	require.NoError(t, err)
	require.Equal(t, 3, seen)
	require.Equal(t, 0, b.Fill())
}

func TestDropFrames(t *testing.T) {
	b := New(8, 4, nominalTPF, 64)
	require.NoError(t, b.WriteFrames(5, frames(5, 4, 1), 0))
	require.NoError(t, b.DropFrames(3))
	require.Equal(t, 2, b.Fill())
}

func TestHeadTailTimestampRelation(t *testing.T) {
	b := New(256, 4, nominalTPF, 1<<30) // large update period: DLL never kicks in
	require.NoError(t, b.WriteFrames(100, frames(100, 4, 0), uint64(100*nominalTPF)))
	tail, fill := b.GetBufferTailTimestamp()
	require.Equal(t, 100, fill)
	head, _ := b.GetBufferHeadTimestamp()
	require.InDelta(t, float64(tail)-100*nominalTPF, float64(head), 1.0)
}

func TestSetBufferTailTimestampReseedsAfterDiscontinuity(t *testing.T) {
	b := New(16, 4, nominalTPF, 64)
	b.SetBufferTailTimestamp(999)
	ts, _ := b.GetBufferTailTimestamp()
	require.Equal(t, uint64(999), ts)
}

func TestPreloadFramesMonotonicIgnoresDeclaredTimestamp(t *testing.T) {
	b := New(16, 4, nominalTPF, 64)
	require.NoError(t, b.PreloadFrames(5, frames(5, 4, 1), 0, true))
	ts, fill := b.GetBufferTailTimestamp()
	require.Equal(t, 5, fill)
	require.InDelta(t, 5*nominalTPF, float64(ts), 1.0)
}

func TestWriteSilenceFillsZeroBytes(t *testing.T) {
	b := New(16, 4, nominalTPF, 64)
	require.NoError(t, b.WriteSilence(2, 0))
	dst := make([]byte, 8)
	require.NoError(t, b.ReadFrames(2, dst))
	require.Equal(t, make([]byte, 8), dst)
}

func TestRateDLLTracksFastSource(t *testing.T) {
	b := New(4096, 4, nominalTPF, 100)
	ts := uint64(0)
	fastTPF := nominalTPF * 1.01
	for i := 0; i < 10; i++ {
		ts = uint64(float64(ts) + 100*fastTPF)
		require.NoError(t, b.WriteFrames(100, frames(100, 4, 0), ts))
		require.NoError(t, b.DropFrames(100))
	}
	require.InDelta(t, fastTPF, b.TicksPerFrame(), fastTPF*0.05)
	require.NoError(t, b.CheckInvariants())
}

func TestRateDLLClampsRunawayMeasurement(t *testing.T) {
	b := New(4096, 4, nominalTPF, 10)
	require.NoError(t, b.WriteFrames(10, frames(10, 4, 0), 1_000_000_000))
	require.NoError(t, b.CheckInvariants())
	require.LessOrEqual(t, b.TicksPerFrame(), 2*nominalTPF)
}

func TestCheckInvariantsCatchesFillOutOfRange(t *testing.T) {
	b := New(4, 4, nominalTPF, 64)
	b.fill = 5 // direct manipulation, simulating a caller bug
	require.Error(t, b.CheckInvariants())
}
