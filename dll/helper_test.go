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

package dll

import (
	"testing"

	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/ticks"
	"github.com/stretchr/testify/require"
)

// fakeBusService is a minimal bus.Service whose ReadCycleTimer replays a
// fixed sequence of (ticks, usec) pairs, used to drive the DLL through
// known scenarios without a real 1394 adapter.
type fakeBusService struct {
	seq   []uint64
	usecs []int64
	i     int
}

var _ bus.Service = (*fakeBusService)(nil)

func (b *fakeBusService) nextPair() (uint64, int64) {
	if b.i >= len(b.seq) {
		b.i = len(b.seq) - 1
	}
	t, u := b.seq[b.i], b.usecs[b.i]
	b.i++
	return t, u
}

func (b *fakeBusService) CreateIsoContext(dir bus.Direction, channel int, speed bus.Speed, maxPacketSize, bufferPackets, irqInterval int) (bus.ContextHandle, error) {
	return 0, nil
}
func (b *fakeBusService) StartIso(h bus.ContextHandle, startCycle int, sync uint8, tags uint8) error {
	return nil
}
func (b *fakeBusService) StopIso(h bus.ContextHandle) error                  { return nil }
func (b *fakeBusService) DestroyContext(h bus.ContextHandle) error          { return nil }
func (b *fakeBusService) QueueIso(h bus.ContextHandle, desc bus.PacketDescriptor, data []byte) error {
	return nil
}
func (b *fakeBusService) DequeueIso(h bus.ContextHandle) (bus.PacketDescriptor, []byte, bool) {
	return bus.PacketDescriptor{}, nil, false
}
func (b *fakeBusService) PollFD(h bus.ContextHandle) (int, error) { return -1, nil }
func (b *fakeBusService) ReadCycleTimer() (ticks.CTR, int64, error) {
	t, u := b.nextPair()
	return ticks.TicksToCTR(t % ticks.Max), u, nil
}
func (b *fakeBusService) RegisterBusResetHandler(cb func()) {}

func TestReadCycleTimerRetryingRejectsNonMonotonic(t *testing.T) {
	// spec.md 8 S6: sequence (T, T+3000, T+1500, T+3200); the third read
	// is rejected, and the helper publishes T+3200.
	const base = 10_000_000
	b := &fakeBusService{
		seq:   []uint64{base, base + 3000, base + 1500, base + 3200},
		usecs: []int64{0, 1, 2, 3},
	}
	h := &Helper{bus: b}
	ctr, _, err := h.readCycleTimerRetrying()
	require.NoError(t, err)
	require.Equal(t, uint64(base+3200), ticks.CTRToTicks(ctr))
}

func TestCorrectionErrorStatsTracksSamples(t *testing.T) {
	h := NewHelper(&fakeBusService{seq: []uint64{1000}, usecs: []int64{0}}, DefaultConfig())
	h.errStats.Add(5)
	h.errStats.Add(-5)
	mean, _ := h.CorrectionErrorStats()
	require.InDelta(t, 0, mean, 1e-9)
}

func TestResetDLLCoefficientsClampsBandwidth(t *testing.T) {
	h := &Helper{cfg: Config{UpdatePeriod: 1000000, BandwidthHz: 1e9}}
	h.resetDLLCoefficients()
	require.Less(t, h.b, 1.0)
	require.Greater(t, h.c, 0.0)
}

func TestWrapDeltaFoldsNegative(t *testing.T) {
	require.Equal(t, uint64(ticks.Max-5), wrapDelta(-5))
	require.Equal(t, uint64(5), wrapDelta(5))
	require.Equal(t, uint64(5), wrapDelta(int64(ticks.Max)+5))
}
