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

// Package iso implements IsoHandler and IsoHandlerManager (spec.md 3.4,
// 3.5, 4.3, 4.4): the packet I/O engine that schedules isochronous
// transmit and receive on one or more channels via a single poll loop, and
// reconstructs a full bus-cycle number for every packet so callees never
// need a second cycle-timer read.
package iso

import (
	"fmt"

	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/ticks"
	log "github.com/sirupsen/logrus"
)

// Disposition is the iteration-result enum the callback contract returns
// (spec.md 9 "Error channel"): the handler translates it into whatever the
// underlying kernel iso API equivalent is (for Loopback, effectively a
// no-op besides bookkeeping).
type Disposition int

// Dispositions a StreamProcessor callback can return from one iteration.
const (
	DispositionOK Disposition = iota
	DispositionDefer
	DispositionAgain
	DispositionXRun
	DispositionError
)

func (d Disposition) String() string {
	switch d {
	case DispositionOK:
		return "ok"
	case DispositionDefer:
		return "defer"
	case DispositionAgain:
		return "again"
	case DispositionXRun:
		return "xrun"
	case DispositionError:
		return "error"
	default:
		return "unknown"
	}
}

// Receiver is the callback contract a receive-direction StreamProcessor
// implements (spec.md 4.3 "put_packet").
type Receiver interface {
	// PutPacket delivers one received packet's payload, plus its
	// reconstructed full bus cycle (seconds folded in) and the number of
	// cycles dropped since the previous packet on this channel.
	PutPacket(data []byte, tag, sy uint8, packedCycle uint32, dropped int) Disposition
	// ReadyToConsume reports whether the owning StreamProcessor currently
	// has room to accept another packet (spec.md 4.4 readiness-aware
	// polling).
	ReadyToConsume() bool
}

// Transmitter is the callback contract a transmit-direction
// StreamProcessor implements (spec.md 4.3 "get_packet").
type Transmitter interface {
	// GetPacket asks for up to maxLen bytes of payload to send on
	// packedCycle. dropped/skipped mirror what the kernel reported for
	// the previous submission.
	GetPacket(maxLen int, packedCycle uint32, dropped, skipped int) (data []byte, tag, sy uint8, disposition Disposition)
	// ReadyToProduce reports whether the SP has enough buffered frames to
	// produce a packet right now (spec.md 4.4).
	ReadyToProduce() bool
}

// totalCycles is the number of distinct bus cycles in one 128s wrap
// period (spec.md 3.1), mirrored here because ticks keeps it unexported.
const totalCycles = ticks.CyclesPerSecond * ticks.WrapSeconds

// ReconstructPackedCycle folds the seconds field from a recent CTR
// snapshot into a raw 13-bit bus cycle number, producing a monotonically
// comparable "packed cycle" in [0, totalCycles) without a second hardware
// read (spec.md 4.3):
//   - Seconds come from lastNow, captured just before the loop step.
//   - Receive: if lastNow's cycle-within-second is behind rawCycle, the
//     second ticked over since the packet arrived; decrement seconds.
//   - Transmit: if lastNow's cycle-within-second is ahead of rawCycle, the
//     target cycle falls in the next second; increment seconds.
func ReconstructPackedCycle(dir bus.Direction, lastNow ticks.CTR, rawCycle uint32) uint32 {
	seconds := lastNow.Seconds()
	cyclesNow := lastNow.Cycles()

	switch dir {
	case bus.DirectionReceive:
		if cyclesNow < rawCycle {
			if seconds == 0 {
				seconds = ticks.WrapSeconds - 1
			} else {
				seconds--
			}
		}
	case bus.DirectionTransmit:
		if cyclesNow > rawCycle {
			seconds = (seconds + 1) % ticks.WrapSeconds
		}
	}
	return (seconds*ticks.CyclesPerSecond + rawCycle) % totalCycles
}

// Handler is IsoHandler: it owns one transmit or receive isochronous
// context and drives the attached StreamProcessor callback on every
// iteration (spec.md 3.4).
type Handler struct {
	svc bus.Service

	dir           bus.Direction
	channel       int
	speed         bus.Speed
	maxPacketSize int
	bufferPackets int
	irqInterval   int
	prebuffers    int // transmit only

	handle  bus.ContextHandle
	enabled bool

	receiver    Receiver
	transmitter Transmitter

	lastCycle    uint32
	haveLastCycle bool
	lastNowCTR   ticks.CTR

	nextTxCycle uint32 // transmit only: next cycle to submit a packet for
	dbc         uint8  // transmit only: running data-block continuity counter

	droppedCycles int
	dead          bool
}

// NewHandler allocates an unconfigured Handler. Call Prepare then Enable
// to bring it up.
func NewHandler(svc bus.Service, dir bus.Direction, channel int, speed bus.Speed, maxPacketSize, bufferPackets, irqInterval, prebuffers int) *Handler {
	return &Handler{
		svc:           svc,
		dir:           dir,
		channel:       channel,
		speed:         speed,
		maxPacketSize: maxPacketSize,
		bufferPackets: bufferPackets,
		irqInterval:   irqInterval,
		prebuffers:    prebuffers,
	}
}

// AttachReceiver binds a receive-direction StreamProcessor callback.
func (h *Handler) AttachReceiver(r Receiver) { h.receiver = r }

// AttachTransmitter binds a transmit-direction StreamProcessor callback.
func (h *Handler) AttachTransmitter(t Transmitter) { h.transmitter = t }

// Direction reports which direction this handler serves.
func (h *Handler) Direction() bus.Direction { return h.dir }

// Channel reports the 1394 isochronous channel this handler is bound to.
func (h *Handler) Channel() int { return h.channel }

// Dead reports whether the kernel reported this context as unrecoverably
// failed (spec.md 4.4 "Kernel returns POLLERR once a handler has died").
func (h *Handler) Dead() bool { return h.dead }

// DroppedCycles returns the cumulative count of cycles this handler has
// observed missing since the last Enable.
func (h *Handler) DroppedCycles() int { return h.droppedCycles }

// Prepare registers the DMA context with the BusService (spec.md 4.3
// "init -> prepare").
func (h *Handler) Prepare() error {
	handle, err := h.svc.CreateIsoContext(h.dir, h.channel, h.speed, h.maxPacketSize, h.bufferPackets, h.irqInterval)
	if err != nil {
		return fmt.Errorf("iso: prepare handler ch=%d dir=%s: %w", h.channel, h.dir, err)
	}
	h.handle = handle
	return nil
}

// Enable starts the context at startCycle (-1 means "as soon as
// possible"), per spec.md 4.3/4.4.
func (h *Handler) Enable(startCycle int, sync, tags uint8) error {
	if err := h.svc.StartIso(h.handle, startCycle, sync, tags); err != nil {
		return fmt.Errorf("iso: enable handler ch=%d: %w", h.channel, err)
	}
	h.enabled = true
	h.haveLastCycle = false
	h.droppedCycles = 0
	h.dbc = 0
	if startCycle >= 0 {
		h.nextTxCycle = uint32(startCycle) % totalCycles
	}
	return nil
}

// Disable stops the context without destroying it.
func (h *Handler) Disable() error {
	h.enabled = false
	return h.svc.StopIso(h.handle)
}

// Destroy releases the underlying kernel resources.
func (h *Handler) Destroy() error {
	return h.svc.DestroyContext(h.handle)
}

// PollFD returns the fd the manager should multiplex this handler's
// readiness on.
func (h *Handler) PollFD() (int, error) {
	return h.svc.PollFD(h.handle)
}

// ReadyForIteration reports whether the owning StreamProcessor wants to be
// woken right now (spec.md 4.4 "readiness-aware polling").
func (h *Handler) ReadyForIteration() bool {
	switch h.dir {
	case bus.DirectionReceive:
		return h.receiver != nil && h.receiver.ReadyToConsume()
	case bus.DirectionTransmit:
		return h.transmitter != nil && h.transmitter.ReadyToProduce()
	default:
		return false
	}
}

func (h *Handler) recordCycle(packedCycle uint32) (dropped int) {
	if !h.haveLastCycle {
		h.haveLastCycle = true
		h.lastCycle = packedCycle
		return 0
	}
	gap := ticks.DiffCycles(packedCycle, h.lastCycle)
	h.lastCycle = packedCycle
	if gap <= 0 {
		// Non-increasing cycle: out-of-order delivery, not a drop.
		return 0
	}
	dropped = gap - 1
	h.droppedCycles += dropped
	return dropped
}

// Iterate advances the handler by one step (spec.md 4.3): for receive
// directions it dequeues at most one available packet and calls
// PutPacket; for transmit it asks the attached Transmitter for the next
// packet and submits it. nowCTR is the cycle-timer snapshot the manager
// captured just before this loop step (spec.md 4.3 "m_last_now").
func (h *Handler) Iterate(nowCTR ticks.CTR) Disposition {
	h.lastNowCTR = nowCTR
	switch h.dir {
	case bus.DirectionReceive:
		return h.iterateReceive()
	case bus.DirectionTransmit:
		return h.iterateTransmit()
	default:
		return DispositionError
	}
}

func (h *Handler) iterateReceive() Disposition {
	if h.receiver == nil {
		return DispositionError
	}
	desc, data, ok := h.svc.DequeueIso(h.handle)
	if !ok {
		return DispositionDefer
	}
	if desc.PayloadLength > h.maxPacketSize {
		log.Warnf("iso: dropping oversize receive packet ch=%d len=%d max=%d", h.channel, desc.PayloadLength, h.maxPacketSize)
		return DispositionError
	}
	packedCycle := ReconstructPackedCycle(bus.DirectionReceive, h.lastNowCTR, desc.Cycle)
	dropped := h.recordCycle(packedCycle)
	return h.receiver.PutPacket(data, desc.Tag, desc.SY, packedCycle, dropped)
}

func (h *Handler) iterateTransmit() Disposition {
	if h.transmitter == nil {
		return DispositionError
	}
	packedCycle := ReconstructPackedCycle(bus.DirectionTransmit, h.lastNowCTR, h.nextTxCycle)
	dropped := h.recordCycle(packedCycle)

	data, tag, sy, disposition := h.transmitter.GetPacket(h.maxPacketSize, packedCycle, dropped, 0)
	if disposition == DispositionDefer {
		return disposition
	}

	desc := bus.PacketDescriptor{
		PayloadLength: len(data),
		Tag:           tag,
		SY:            sy,
		Channel:       h.channel,
		Cycle:         h.nextTxCycle,
	}
	if err := h.svc.QueueIso(h.handle, desc, data); err != nil {
		log.Warnf("iso: queue_iso failed ch=%d: %v", h.channel, err)
		return DispositionError
	}
	h.dbc++
	h.nextTxCycle = (h.nextTxCycle + 1) % ticks.CyclesPerSecond
	return disposition
}
