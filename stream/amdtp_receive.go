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
	"fmt"
	"math"

	"github.com/ffado/streamcore/amdtp"
	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/iso"
	"github.com/ffado/streamcore/ringbuffer"
	"github.com/ffado/streamcore/ticks"
	log "github.com/sirupsen/logrus"
)

// AmdtpReceiveStreamProcessor decodes AMDTP packets received on one
// channel into a TimestampedBuffer and, at period boundaries, demuxes
// buffered frames out into client ports (spec.md 3.3, 4.5, 4.6).
//
// It implements iso.Receiver, so an iso.Handler can drive it directly.
type AmdtpReceiveStreamProcessor struct {
	Base

	ports []*amdtp.Port
	cache *amdtp.Cache
}

// NewAmdtpReceiveStreamProcessor builds an un-prepared receive processor.
// Call PrepareChild once the port list and rate are known.
func NewAmdtpReceiveStreamProcessor(channel int, buffer *ringbuffer.Buffer, clock SyncClock) *AmdtpReceiveStreamProcessor {
	return &AmdtpReceiveStreamProcessor{Base: newBase(bus.DirectionReceive, channel, buffer, clock)}
}

// PrepareChild builds the port cache for sytInterval frames per packet
// (spec.md 4.7 "prepare": "call prepare_child on each SP (allocates AMDTP
// state and port cache)").
func (rp *AmdtpReceiveStreamProcessor) PrepareChild(ports []*amdtp.Port, sytInterval int) error {
	cache, err := amdtp.Build(ports, sytInterval)
	if err != nil {
		return fmt.Errorf("stream: prepare receive SP ch=%d: %w", rp.channel, err)
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.ports = ports
	rp.cache = cache
	rp.state = StateStopped
	return nil
}

// ReadyToConsume reports whether the iso task should poll this handler
// for incoming packets (spec.md 4.4 "readiness-aware polling").
func (rp *AmdtpReceiveStreamProcessor) ReadyToConsume() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	switch rp.state {
	case StateCreated, StateStopped, StateError:
		return false
	default:
		return rp.buffer.Fill() < rp.buffer.Capacity()
	}
}

// PutPacket implements the receive half of the per-packet callback
// contract (spec.md 4.3, 4.5).
func (rp *AmdtpReceiveStreamProcessor) PutPacket(data []byte, tag, sy uint8, packedCycle uint32, dropped int) iso.Disposition {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.lastCycle = packedCycle
	rp.droppedCycles += dropped

	wasWaitingDisable := rp.state == StateWaitingForStreamDisable
	if rp.applyScheduledIfDue(packedCycle) && wasWaitingDisable {
		return iso.DispositionOK
	}

	header, err := amdtp.Decode(data)
	if err != nil {
		log.Warnf("stream: malformed CIP header ch=%d: %v", rp.channel, err)
		return iso.DispositionError
	}

	if rp.state == StateWaitingForStream {
		rp.state = StateDryRunning
		return iso.DispositionOK
	}
	if rp.state != StateRunning && rp.state != StateDryRunning {
		return iso.DispositionOK
	}
	if header.FDF == amdtp.FDFNoData {
		return iso.DispositionOK
	}
	if int(header.DBS) != rp.cache.Dimension() {
		log.Warnf("stream: dbs %d != expected dimension %d ch=%d", header.DBS, rp.cache.Dimension(), rp.channel)
		return iso.DispositionError
	}
	if rp.state == StateDryRunning {
		// Drop the packet but keep the DLL converged (spec.md 3.3
		// invariant): nothing further to do.
		return iso.DispositionOK
	}

	frameBytes := rp.cache.Dimension() * 4
	payload := data[amdtp.Len:]
	if frameBytes == 0 || len(payload)%frameBytes != 0 {
		log.Warnf("stream: payload %d not a multiple of frame size %d ch=%d", len(payload), frameBytes, rp.channel)
		return iso.DispositionError
	}
	frameCount := len(payload) / frameBytes

	ts, ok := uint64(0), false
	if header.SYT != ticks.SYTNoData {
		ts, ok = ticks.ReconstructSYTReceive(packedCycle, uint32(header.SYT>>12), uint32(header.SYT&0xFFF))
	}
	if !ok {
		ts, _ = rp.buffer.GetBufferTailTimestamp()
	} else {
		// header.SYT times the packet's first sample; WriteFrames wants
		// the tail timestamp, i.e. the slot just after the last one
		// (spec.md 3.2), so advance by the packet's own span.
		ts = ticks.AddTicks(ts, uint64(math.Round(float64(frameCount)*rp.buffer.TicksPerFrame())))
	}

	if err := rp.buffer.WriteFrames(frameCount, payload, ts); err != nil {
		log.Warnf("stream: receive overrun ch=%d: %v", rp.channel, err)
		rp.xrun = true
		rp.state = StateWaitingForStreamDisable
		rp.scheduleTransitionLocked(StateDryRunning, packedCycle+1)
		return iso.DispositionXRun
	}

	if dropped > 0 && rp.state == StateRunning {
		rp.xrun = true
		rp.state = StateWaitingForStreamDisable
		rp.scheduleTransitionLocked(StateDryRunning, packedCycle+1)
		return iso.DispositionXRun
	}
	return iso.DispositionOK
}

// GetFrames demuxes n frames out of the ring buffer into client ports,
// substituting silence while not Running (spec.md 4.5 "get_frames").
func (rp *AmdtpReceiveStreamProcessor) GetFrames(n int, ts uint64) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.cache.Refresh(rp.ports)
	if rp.state != StateRunning {
		rp.cache.FillSilence(n)
		return nil
	}
	idx := 0
	return rp.buffer.BlockProcessReadFrames(n, func(frame []byte) {
		if err := rp.cache.DecodeFrame(frame, idx); err != nil {
			log.Warnf("stream: decode frame %d ch=%d: %v", idx, rp.channel, err)
		}
		idx++
	})
}
