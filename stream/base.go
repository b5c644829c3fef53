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
	"math"
	"sync"

	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/ringbuffer"
	"github.com/ffado/streamcore/ticks"
)

// SyncClock is the capability set a StreamProcessor is given instead of a
// back-pointer to its owning StreamProcessorManager (spec.md 9 "Cyclic
// state": "Keep the SP side as a pure state object with an injected
// SyncClock capability set"). dll.Helper satisfies this interface.
type SyncClock interface {
	// Ticks maps a host monotonic microsecond timestamp to the
	// corresponding tick value.
	Ticks(nowUsec int64) uint64
}

// Base holds the fields and behavior common to both directions' AMDTP
// stream processors: the lifecycle state machine, the TimestampedBuffer,
// and xrun/drop bookkeeping (spec.md 3.3).
type Base struct {
	mu sync.Mutex

	dir     bus.Direction
	channel int

	buffer *ringbuffer.Buffer
	clock  SyncClock

	state       State
	nextState   State
	switchCycle uint32
	pending     bool

	xrun          bool
	droppedCycles int
	lastCycle     uint32
}

func newBase(dir bus.Direction, channel int, buffer *ringbuffer.Buffer, clock SyncClock) Base {
	return Base{
		dir:     dir,
		channel: channel,
		buffer:  buffer,
		clock:   clock,
		state:   StateCreated,
	}
}

// Direction reports which direction this processor serves.
func (b *Base) Direction() bus.Direction { return b.dir }

// Channel reports the 1394 isochronous channel this processor is bound to.
func (b *Base) Channel() int { return b.channel }

// Clock exposes the injected SyncClock capability (spec.md 9 "Cyclic
// state"), used by streammgr to compute sync_delay and align_received_streams
// without the SP holding a back-pointer to its manager.
func (b *Base) Clock() SyncClock { return b.clock }

// TicksPerFrame exposes the ring's current ticks-per-frame estimate, used by
// streammgr to compute sync-start offsets and preload frame counts.
func (b *Base) TicksPerFrame() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.TicksPerFrame()
}

// SeedBufferTailTimestamp reseeds the ring's tail timestamp, used by
// streammgr's sync_start_all to anchor a freshly prepared stream's clock
// before any frames have been exchanged (spec.md 4.7 "sync_start_all").
func (b *Base) SeedBufferTailTimestamp(ts uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer.SetBufferTailTimestamp(ts)
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Xrun reports and clears the sticky xrun flag (spec.md 3.3 "xrun flag").
func (b *Base) Xrun() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	x := b.xrun
	b.xrun = false
	return x
}

// DroppedCycles returns the cumulative dropped-cycle count observed since
// the last state reset.
func (b *Base) DroppedCycles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedCycles
}

// scheduleTransitionLocked arms a cycle-aligned move to next: the packet
// loop's applyScheduledIfDue applies it the first time it observes a
// packed cycle at or after switchCycle (spec.md 3.3). Callers enter the
// corresponding WaitingForStream* state themselves before arming this, so
// current state plus pending unambiguously identify which transition is
// outstanding.
func (b *Base) scheduleTransitionLocked(next State, switchCycle uint32) {
	b.nextState = next
	b.switchCycle = switchCycle
	b.pending = true
}

// applyScheduledIfDue applies a pending scheduled transition once the
// current packed cycle reaches switchCycle.
func (b *Base) applyScheduledIfDue(packedCycle uint32) bool {
	if b.pending && cycleDue(packedCycle, b.switchCycle) {
		b.state = b.nextState
		b.pending = false
		return true
	}
	return false
}

// CanConsumePeriod reports whether a receive SP has n frames ready for the
// SPM to consume this period (spec.md 4.7 "can_consume_period"). Outside
// Running the SP always reports ready since get_frames substitutes
// silence instead of real data.
func (b *Base) CanConsumePeriod(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return true
	}
	return b.buffer.Fill() >= n
}

// CanProducePeriod reports whether a transmit SP has room for n more
// frames this period (spec.md 4.7 "can_produce_period").
func (b *Base) CanProducePeriod(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return true
	}
	return b.buffer.Capacity()-b.buffer.Fill() >= n
}

// ShiftStream drops (k>0) or inserts silence (k<0) frames during phase
// alignment (spec.md 4.5 "shift_stream").
func (b *Base) ShiftStream(k int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k == 0 {
		return nil
	}
	if k > 0 {
		return b.buffer.DropFrames(k)
	}
	n := -k
	tailTS, _ := b.buffer.GetBufferTailTimestamp()
	newTS := ticks.AddTicks(tailTS, uint64(math.Round(float64(n)*b.buffer.TicksPerFrame())))
	return b.buffer.WriteSilence(n, newTS)
}

// TimeAtPeriod returns the instant at which the next period becomes
// available to the client (spec.md 4.5 "Timing contract"): buffer-head
// timestamp plus period_size for receive, buffer-tail timestamp minus
// (nbBuffers-1)*period_size for transmit.
func (b *Base) TimeAtPeriod(periodSize, nbBuffers int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	tpf := b.buffer.TicksPerFrame()
	if b.dir == bus.DirectionReceive {
		headTS, _ := b.buffer.GetBufferHeadTimestamp()
		return ticks.AddTicks(headTS, uint64(math.Round(float64(periodSize)*tpf)))
	}
	tailTS, _ := b.buffer.GetBufferTailTimestamp()
	back := uint64(math.Round(float64((nbBuffers-1)*periodSize) * tpf))
	return ticks.SubTicks(tailTS, back)
}

// HandleBusReset drops the processor to Stopped, discarding any pending
// scheduled transition (spec.md 4.7 "Bus-reset handling": "calls
// handle_bus_reset on every SP (drops to Stopped)").
func (b *Base) HandleBusReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateStopped
	b.pending = false
	b.droppedCycles = 0
}

// ScheduleDryRunning is the entry point start_dry_running uses to arm
// every SP for the next packet-loop iteration to see (spec.md 4.7 step 2).
func (b *Base) ScheduleDryRunning() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateWaitingForStream
}

// ScheduleRunning moves the SP to WaitingForStreamEnable now and arms its
// move to Running at startCycle (spec.md 4.7 step 3 "Schedule each SP to
// Running at its respective start time").
func (b *Base) ScheduleRunning(startCycle uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateWaitingForStreamEnable
	b.scheduleTransitionLocked(StateRunning, startCycle)
}
