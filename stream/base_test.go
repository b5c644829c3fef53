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

package stream

import (
	"testing"

	"github.com/ffado/streamcore/amdtp"
	"github.com/ffado/streamcore/ringbuffer"
	"github.com/ffado/streamcore/ticks"
	"github.com/stretchr/testify/require"
)

func newTestBaseReceive(t *testing.T) *AmdtpReceiveStreamProcessor {
	t.Helper()
	buf := ringbuffer.New(64, 8, testTPF, 10000)
	rp := NewAmdtpReceiveStreamProcessor(3, buf, nil)
	require.NoError(t, rp.PrepareChild([]*amdtp.Port{
		{Kind: amdtp.KindAudio, Position: 0, Format: amdtp.Int24, Enabled: true, AudioBuffer: make([]int32, 32)},
	}, 8))
	return rp
}

func newTestBaseTransmit(t *testing.T) *AmdtpTransmitStreamProcessor {
	t.Helper()
	buf := ringbuffer.New(64, 8, testTPF, 10000)
	tp := NewAmdtpTransmitStreamProcessor(3, buf, nil, 0, false)
	require.NoError(t, tp.PrepareChild([]*amdtp.Port{
		{Kind: amdtp.KindAudio, Position: 0, Format: amdtp.Int24, Enabled: true, AudioBuffer: make([]int32, 32)},
	}, 48000))
	return tp
}

func TestBaseScheduleDryRunningMovesToWaitingForStream(t *testing.T) {
	rp := newTestBaseReceive(t)
	rp.ScheduleDryRunning()
	require.Equal(t, StateWaitingForStream, rp.State())
}

func TestBaseScheduleRunningAppliesAtSwitchCycle(t *testing.T) {
	rp := newTestBaseReceive(t)
	rp.ScheduleRunning(10)
	require.Equal(t, StateWaitingForStreamEnable, rp.State(), "ScheduleRunning enters the waiting state immediately")

	require.False(t, rp.applyScheduledIfDue(5), "not yet due")
	require.Equal(t, StateWaitingForStreamEnable, rp.State(), "not yet due, state must not have moved")

	require.True(t, rp.applyScheduledIfDue(10))
	require.Equal(t, StateRunning, rp.State())
}

func TestBaseHandleBusResetDropsToStoppedAndClearsPending(t *testing.T) {
	rp := newTestBaseReceive(t)
	rp.state = StateRunning
	rp.droppedCycles = 7
	rp.ScheduleRunning(100)

	rp.HandleBusReset()

	require.Equal(t, StateStopped, rp.State())
	require.Equal(t, 0, rp.DroppedCycles())
	require.False(t, rp.pending, "a scheduled transition must not survive a bus reset")
}

func TestBaseCanConsumePeriodAlwaysReadyOutsideRunning(t *testing.T) {
	rp := newTestBaseReceive(t)
	require.True(t, rp.CanConsumePeriod(1000), "stopped SP substitutes silence, so it is always ready")
}

func TestBaseCanConsumePeriodChecksFillWhileRunning(t *testing.T) {
	rp := newTestBaseReceive(t)
	rp.state = StateRunning
	require.False(t, rp.CanConsumePeriod(1), "buffer starts empty")

	require.NoError(t, rp.buffer.WriteSilence(16, 0))
	require.True(t, rp.CanConsumePeriod(8))
}

func TestBaseCanProducePeriodAlwaysReadyOutsideRunning(t *testing.T) {
	tp := newTestBaseTransmit(t)
	require.True(t, tp.CanProducePeriod(1000))
}

func TestBaseCanProducePeriodChecksHeadroomWhileRunning(t *testing.T) {
	tp := newTestBaseTransmit(t)
	tp.state = StateRunning
	require.True(t, tp.CanProducePeriod(tp.buffer.Capacity()), "buffer starts empty, full capacity is free")

	require.NoError(t, tp.buffer.WriteSilence(60, 0))
	require.False(t, tp.CanProducePeriod(10))
}

func TestBaseShiftStreamPositiveDropsFrames(t *testing.T) {
	rp := newTestBaseReceive(t)
	require.NoError(t, rp.buffer.WriteSilence(20, 0))

	require.NoError(t, rp.ShiftStream(5))

	require.Equal(t, 15, rp.buffer.Fill())
}

func TestBaseShiftStreamNegativeInsertsSilence(t *testing.T) {
	rp := newTestBaseReceive(t)
	require.NoError(t, rp.buffer.WriteSilence(10, 0))

	require.NoError(t, rp.ShiftStream(-5))

	require.Equal(t, 15, rp.buffer.Fill())
}

func TestBaseShiftStreamZeroIsNoop(t *testing.T) {
	rp := newTestBaseReceive(t)
	require.NoError(t, rp.buffer.WriteSilence(10, 0))

	require.NoError(t, rp.ShiftStream(0))

	require.Equal(t, 10, rp.buffer.Fill())
}

func TestBaseSeedBufferTailTimestampReseedsBuffer(t *testing.T) {
	rp := newTestBaseReceive(t)
	rp.SeedBufferTailTimestamp(12345)

	ts, _ := rp.buffer.GetBufferTailTimestamp()
	require.Equal(t, uint64(12345), ts)
}

func TestBaseTicksPerFrameMatchesBufferEstimate(t *testing.T) {
	rp := newTestBaseReceive(t)
	require.Equal(t, rp.buffer.TicksPerFrame(), rp.TicksPerFrame())
}

func TestBaseTimeAtPeriodReceiveAddsPeriodToHead(t *testing.T) {
	rp := newTestBaseReceive(t)
	rp.SeedBufferTailTimestamp(0)
	require.NoError(t, rp.buffer.WriteSilence(4, 0))

	headTS, _ := rp.buffer.GetBufferHeadTimestamp()
	want := ticks.AddTicks(headTS, uint64(4*testTPF))

	got := rp.TimeAtPeriod(4, 3)
	require.InDelta(t, float64(want), float64(got), float64(testTPF))
}

func TestBaseTimeAtPeriodTransmitSubtractsLookahead(t *testing.T) {
	tp := newTestBaseTransmit(t)
	tp.SeedBufferTailTimestamp(100000)

	tailTS, _ := tp.buffer.GetBufferTailTimestamp()
	periodSize, nbBuffers := 4, 3
	want := tailTS - uint64(float64((nbBuffers-1)*periodSize)*testTPF)

	got := tp.TimeAtPeriod(periodSize, nbBuffers)
	require.InDelta(t, float64(want), float64(got), float64(testTPF))
}

func TestBaseXrunIsStickyUntilRead(t *testing.T) {
	rp := newTestBaseReceive(t)
	rp.xrun = true

	require.True(t, rp.Xrun())
	require.False(t, rp.Xrun(), "Xrun clears the flag once read")
}
