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

	"github.com/ffado/streamcore/amdtp"
	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/iso"
	"github.com/ffado/streamcore/ringbuffer"
	"github.com/ffado/streamcore/ticks"
	log "github.com/sirupsen/logrus"
)

// transferDelayTicks is the assumed pipeline latency between a frame
// reaching the head of the transmit ring and it leaving the wire,
// subtracted from a frame's presentation time to decide which bus cycle
// it must go out on (spec.md 4.5 "transmit time is ts - TRANSFER_DELAY").
// Two cycles is a conservative placeholder for the handler+DMA path;
// real FFADO derives it from prebuffers, which a caller can fold in by
// wrapping PrepareChild with a larger buffer instead.
const transferDelayTicks = 2 * ticks.PerCycle

// maxCyclesEarly bounds how far ahead of "now" a packet's target cycle
// may be before the transmitter must emit an empty packet instead
// (spec.md 4.5 "Early / Late handling"). Chosen to match the transmit
// window width implied by spec.md 8 scenario S1 ("every TX packet within
// cycles [t0/3072-3, t0/3072+15]").
const maxCyclesEarly = 15

// AmdtpTransmitStreamProcessor encodes client port data into AMDTP
// packets for one transmit channel (spec.md 3.3, 4.5, 4.6).
//
// It implements iso.Transmitter, so an iso.Handler can drive it directly.
type AmdtpTransmitStreamProcessor struct {
	Base

	ports []*amdtp.Port
	cache *amdtp.Cache

	nodeID      uint8
	fdf         uint8
	sytInterval int
	dbc         uint8

	// sendNodataPayload controls whether empty (CIP-only) packets carry
	// a full silence payload or just the 8-byte header (spec.md 9: "a
	// TODO in the source suggests the AMDTP no-data packet payload is
	// device-dependent (DICE dislikes payload)").
	sendNodataPayload bool
}

// NewAmdtpTransmitStreamProcessor builds an un-prepared transmit
// processor. Call PrepareChild once the port list and rate are known.
func NewAmdtpTransmitStreamProcessor(channel int, buffer *ringbuffer.Buffer, clock SyncClock, nodeID uint8, sendNodataPayload bool) *AmdtpTransmitStreamProcessor {
	return &AmdtpTransmitStreamProcessor{
		Base:              newBase(bus.DirectionTransmit, channel, buffer, clock),
		nodeID:            nodeID,
		sendNodataPayload: sendNodataPayload,
	}
}

// PrepareChild builds the port cache and derives fdf/syt_interval from
// rate (spec.md 4.7 "prepare").
func (tp *AmdtpTransmitStreamProcessor) PrepareChild(ports []*amdtp.Port, rate int) error {
	sytInterval, err := amdtp.SytIntervalForRate(rate)
	if err != nil {
		return fmt.Errorf("stream: prepare transmit SP ch=%d: %w", tp.channel, err)
	}
	fdf, err := amdtp.FDFForRate(rate)
	if err != nil {
		return fmt.Errorf("stream: prepare transmit SP ch=%d: %w", tp.channel, err)
	}
	cache, err := amdtp.Build(ports, sytInterval)
	if err != nil {
		return fmt.Errorf("stream: prepare transmit SP ch=%d: %w", tp.channel, err)
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.ports = ports
	tp.cache = cache
	tp.fdf = fdf
	tp.sytInterval = sytInterval
	tp.state = StateStopped
	return nil
}

// ReadyToProduce reports whether the iso task should poll this handler
// for outgoing packets (spec.md 4.4). A transmit SP always has something
// to send once started: real data, silence, or an empty packet.
func (tp *AmdtpTransmitStreamProcessor) ReadyToProduce() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	switch tp.state {
	case StateCreated, StateStopped, StateError:
		return false
	default:
		return true
	}
}

// silencePacketLocked builds a full-framing data packet of all-silence
// subframes, used while DryRunning: unlike an empty (CIP-only) packet,
// this keeps dbc and the nominal data rate advancing so the receiver-side
// DLL stays converged (spec.md 3.3 "DryRunning emits silence (transmit)
// ... but keeps the DLL converged").
func (tp *AmdtpTransmitStreamProcessor) silencePacketLocked() ([]byte, error) {
	buf := make([]byte, tp.cache.PacketBytes(tp.sytInterval))
	h := amdtp.Header{SID: tp.nodeID, DBC: tp.dbc, FDF: tp.fdf, SYT: ticks.SYTNoData}
	if err := tp.cache.EncodeSilencePacket(buf, h, tp.sytInterval); err != nil {
		return nil, err
	}
	return buf, nil
}

func (tp *AmdtpTransmitStreamProcessor) emptyPacketLocked() []byte {
	h := amdtp.Header{SID: tp.nodeID, DBS: uint8(tp.cache.Dimension()), DBC: tp.dbc, FDF: amdtp.FDFNoData, SYT: ticks.SYTNoData}
	if !tp.sendNodataPayload {
		hdr := h.Encode()
		out := make([]byte, amdtp.Len)
		copy(out, hdr[:])
		return out
	}
	buf := make([]byte, tp.cache.PacketBytes(tp.sytInterval))
	if err := tp.cache.EncodeSilencePacket(buf, h, tp.sytInterval); err != nil {
		log.Warnf("stream: encode empty packet ch=%d: %v", tp.channel, err)
		hdr := h.Encode()
		return hdr[:]
	}
	return buf
}

// GetPacket implements the transmit half of the per-packet callback
// contract (spec.md 4.3, 4.5).
func (tp *AmdtpTransmitStreamProcessor) GetPacket(maxLen int, packedCycle uint32, dropped, skipped int) ([]byte, uint8, uint8, iso.Disposition) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.lastCycle = packedCycle
	tp.droppedCycles += dropped

	if tp.state == StateWaitingForStream {
		tp.state = StateDryRunning
	}
	tp.applyScheduledIfDue(packedCycle)

	if tp.state != StateRunning && tp.state != StateDryRunning {
		return nil, 0, 0, iso.DispositionDefer
	}

	headTS, fill := tp.buffer.GetBufferHeadTimestamp()
	targetTicks := ticks.SubTicks(headTS, uint64(transferDelayTicks))
	targetCycle := uint32((targetTicks % ticks.Max) / ticks.PerCycle)
	cyclesUntil := ticks.DiffCycles(targetCycle, packedCycle)

	if tp.state == StateDryRunning {
		data, err := tp.silencePacketLocked()
		if err != nil || len(data) > maxLen {
			return nil, 0, 0, iso.DispositionError
		}
		tp.dbc += uint8(tp.sytInterval)
		return data, 1, 0, iso.DispositionOK
	}

	if cyclesUntil < 0 {
		tp.xrun = true
		tp.state = StateWaitingForStreamDisable
		tp.scheduleTransitionLocked(StateDryRunning, packedCycle+1)
		return nil, 0, 0, iso.DispositionXRun
	}
	if cyclesUntil > maxCyclesEarly {
		data := tp.emptyPacketLocked()
		if len(data) > maxLen {
			return nil, 0, 0, iso.DispositionError
		}
		return data, 1, 0, iso.DispositionOK
	}

	if fill < tp.sytInterval {
		// Not enough buffered data to build a real packet yet, but we're
		// inside the transmit window: defer rather than starve the
		// receive side with aggressive retries (spec.md 4.5 "Defer").
		return nil, 0, 0, iso.DispositionDefer
	}

	need := tp.cache.PacketBytes(tp.sytInterval)
	if need > maxLen {
		return nil, 0, 0, iso.DispositionError
	}
	buf := make([]byte, need)
	h := amdtp.Header{SID: tp.nodeID, DBS: uint8(tp.cache.Dimension()), DBC: tp.dbc, FDF: tp.fdf, SYT: ticks.SYTField(headTS)}
	hdr := h.Encode()
	copy(buf[:amdtp.Len], hdr[:])
	if err := tp.buffer.ReadFrames(tp.sytInterval, buf[amdtp.Len:]); err != nil {
		log.Warnf("stream: transmit underrun ch=%d: %v", tp.channel, err)
		return nil, 0, 0, iso.DispositionError
	}
	tp.dbc += uint8(tp.sytInterval)
	return buf, 1, 0, iso.DispositionOK
}

// PutFrames encodes n frames from client ports into the ring buffer
// (spec.md 4.5 "put_frames"); discarded while not Running.
func (tp *AmdtpTransmitStreamProcessor) PutFrames(n int, ts uint64) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.state != StateRunning {
		return nil
	}
	tp.cache.Refresh(tp.ports)
	scratch := make([]byte, n*tp.cache.Dimension()*4)
	frameBytes := tp.cache.Dimension() * 4
	for i := 0; i < n; i++ {
		if err := tp.cache.EncodeFrame(scratch[i*frameBytes:(i+1)*frameBytes], i); err != nil {
			return err
		}
	}
	return tp.buffer.WriteFrames(n, scratch, ts)
}

// PutSilenceFrames primes the transmit buffer with n frames of silence,
// used before the bus clock has locked or to recover from an xrun
// (spec.md 4.5 "put_silence_frames").
func (tp *AmdtpTransmitStreamProcessor) PutSilenceFrames(n int, ts uint64) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	frameBytes := tp.cache.Dimension() * 4
	scratch := make([]byte, n*frameBytes)
	for i := 0; i < n; i++ {
		if err := tp.cache.EncodeSilenceFrame(scratch[i*frameBytes : (i+1)*frameBytes]); err != nil {
			return err
		}
	}
	return tp.buffer.WriteFrames(n, scratch, ts)
}
