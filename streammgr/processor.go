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

// Package streammgr implements StreamProcessorManager (spec.md 4.7): the
// client-facing startup sequence (prepare / start_dry_running /
// sync_start_all / align_received_streams), the period loop
// (wait_for_period / transfer), and xrun/bus-reset handling.
package streammgr

import "github.com/ffado/streamcore/stream"

// StreamProcessor is the direction-agnostic subset of stream.Base's
// promoted API the manager needs (spec.md 9 "Polymorphism": "Base behavior
// (state machine, buffer bookkeeping) is common"). Both
// *stream.AmdtpReceiveStreamProcessor and *stream.AmdtpTransmitStreamProcessor
// satisfy it through their embedded stream.Base.
type StreamProcessor interface {
	State() stream.State
	Xrun() bool
	DroppedCycles() int
	ScheduleDryRunning()
	ScheduleRunning(startCycle uint32)
	HandleBusReset()
	TimeAtPeriod(periodSize, nbBuffers int) uint64
	TicksPerFrame() float64
	SeedBufferTailTimestamp(ts uint64)
}

// ReceiveStreamProcessor is a StreamProcessor that can deliver a period's
// worth of buffered frames to client ports and shift phase during alignment.
type ReceiveStreamProcessor interface {
	StreamProcessor
	CanConsumePeriod(n int) bool
	GetFrames(n int, ts uint64) error
	ShiftStream(k int) error
}

// TransmitStreamProcessor is a StreamProcessor that can accept a period's
// worth of client frames and pre-load silence ahead of the bus clock
// locking.
type TransmitStreamProcessor interface {
	StreamProcessor
	CanProducePeriod(n int) bool
	PutFrames(n int, ts uint64) error
	PutSilenceFrames(n int, ts uint64) error
}
