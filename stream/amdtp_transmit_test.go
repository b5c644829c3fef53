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
	"github.com/ffado/streamcore/iso"
	"github.com/ffado/streamcore/ringbuffer"
	"github.com/ffado/streamcore/ticks"
	"github.com/stretchr/testify/require"
)

const testTPF = 512.0 // ticks.PerSecond / 48000, exact

func newTestTransmitProcessor(t *testing.T) (*AmdtpTransmitStreamProcessor, *amdtp.Port, *amdtp.Port) {
	t.Helper()
	p1 := &amdtp.Port{Kind: amdtp.KindAudio, Position: 0, Format: amdtp.Int24, Enabled: true, AudioBuffer: make([]int32, 64)}
	p2 := &amdtp.Port{Kind: amdtp.KindAudio, Position: 1, Format: amdtp.Int24, Enabled: true, AudioBuffer: make([]int32, 64)}
	buf := ringbuffer.New(64, 8, testTPF, 10000) // large update period: rate DLL never kicks in
	tp := NewAmdtpTransmitStreamProcessor(3, buf, nil, 0x3f, false)
	require.NoError(t, tp.PrepareChild([]*amdtp.Port{p1, p2}, 48000))
	return tp, p1, p2
}

func TestAmdtpTransmitGetPacketEmitsEmptyPacketBeforeWindow(t *testing.T) {
	tp, _, _ := newTestTransmitProcessor(t)
	tp.state = StateRunning
	tp.buffer.SetBufferTailTimestamp(1000000) // fill=0: head == tail == 1,000,000

	data, tag, _, disp := tp.GetPacket(1500, 0, 0, 0)
	require.Equal(t, iso.DispositionOK, disp)
	require.Equal(t, uint8(1), tag)
	require.Equal(t, amdtp.Len, len(data)) // header-only, no payload (sendNodataPayload=false)

	h, err := amdtp.Decode(data)
	require.NoError(t, err)
	require.Equal(t, uint8(amdtp.FDFNoData), h.FDF)
}

func TestAmdtpTransmitGetPacketXRunWhenLate(t *testing.T) {
	tp, _, _ := newTestTransmitProcessor(t)
	tp.state = StateRunning
	// tailTimestamp defaults to 0: head == 0, which minus the transfer
	// delay wraps to "2 cycles before the 128s wrap point" -- far in the
	// past relative to packedCycle=100.
	data, _, _, got := tp.GetPacket(1500, 100, 0, 0)
	require.Equal(t, iso.DispositionXRun, got)
	require.Nil(t, data)
	require.True(t, tp.xrun)
	require.Equal(t, StateWaitingForStreamDisable, tp.state, "enters the waiting state immediately")
	require.Equal(t, StateDryRunning, tp.nextState, "arms the real target to apply once due")
}

func TestAmdtpTransmitGetPacketDefersOnUnderrunInsideWindow(t *testing.T) {
	tp, _, _ := newTestTransmitProcessor(t)
	tp.state = StateRunning
	tp.buffer.SetBufferTailTimestamp(100000) // fill=0, head==tail==100000

	// target cycle = (100000 - 6144)/3072 = 30, set packedCycle=30: inside
	// the window, but the buffer is empty so there's nothing to send yet.
	data, _, _, disp := tp.GetPacket(1500, 30, 0, 0)
	require.Equal(t, iso.DispositionDefer, disp)
	require.Nil(t, data)
}

func TestAmdtpTransmitGetPacketEmitsDataWithinWindow(t *testing.T) {
	tp, p1, p2 := newTestTransmitProcessor(t)
	tp.state = StateRunning

	for i := 0; i < 16; i++ {
		p1.AudioBuffer[i] = int32(i)
		p2.AudioBuffer[i] = int32(1000 + i)
	}
	require.NoError(t, tp.PutFrames(16, 100000)) // tail:=100000, head:=100000-16*512=91808

	// target cycle = (91808 - 6144)/3072 = 27
	data, tag, _, disp := tp.GetPacket(1500, 27, 0, 0)
	require.Equal(t, iso.DispositionOK, disp)
	require.Equal(t, uint8(1), tag)
	require.Equal(t, tp.cache.PacketBytes(8), len(data))

	h, frameCount, err := tp.cache.DecodeDataPacket(data)
	require.NoError(t, err)
	require.Equal(t, 8, frameCount)
	require.Equal(t, uint8(2), h.DBS)
	require.Equal(t, ticks.SYTField(91808), h.SYT)
	for i := 0; i < 8; i++ {
		require.Equal(t, int32(i), p1.AudioBuffer[i])
		require.Equal(t, int32(1000+i), p2.AudioBuffer[i])
	}
	require.Equal(t, uint8(8), tp.dbc)
	require.Equal(t, 8, tp.buffer.Fill()) // 16 written, 8 consumed
}

func TestAmdtpTransmitGetPacketEmitsSilenceWhileDryRunning(t *testing.T) {
	tp, _, _ := newTestTransmitProcessor(t)
	tp.state = StateDryRunning

	data, tag, _, disp := tp.GetPacket(1500, 5, 0, 0)
	require.Equal(t, iso.DispositionOK, disp)
	require.Equal(t, uint8(1), tag)
	require.Equal(t, tp.cache.PacketBytes(8), len(data))

	h, frameCount, err := tp.cache.DecodeDataPacket(data)
	require.NoError(t, err)
	require.Equal(t, 8, frameCount)
	require.NotEqual(t, uint8(amdtp.FDFNoData), h.FDF)
	require.Equal(t, uint8(8), tp.dbc)
}

func TestAmdtpTransmitPutFramesDiscardedWhileNotRunning(t *testing.T) {
	tp, p1, _ := newTestTransmitProcessor(t)
	tp.state = StateDryRunning
	p1.AudioBuffer[0] = 42
	require.NoError(t, tp.PutFrames(4, 1000))
	require.Equal(t, 0, tp.buffer.Fill())
}

func TestAmdtpTransmitReadyToProduce(t *testing.T) {
	tp, _, _ := newTestTransmitProcessor(t)
	require.False(t, tp.ReadyToProduce()) // StateStopped after PrepareChild
	tp.state = StateRunning
	require.True(t, tp.ReadyToProduce())
	tp.state = StateError
	require.False(t, tp.ReadyToProduce())
}
