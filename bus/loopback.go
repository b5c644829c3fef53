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

package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/ffado/streamcore/ticks"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// loopbackContext is the bookkeeping kept per allocated context.
type loopbackContext struct {
	dir           Direction
	channel       int
	speed         Speed
	maxPacketSize int
	bufferPackets int
	irqInterval   int
	running       bool
	startCycle    int

	rfd, wfd int // pipe used so PollFD has something real to poll on
	queue    []queuedPacket
}

type queuedPacket struct {
	desc PacketDescriptor
	data []byte
}

// Loopback is an in-process Service used by tests and by the CLI's
// offline demo mode: it free-runs a software cycle-timer derived from the
// host clock (instead of reading real 1394 OHCI registers) and loops
// queued packets straight back to any receive context on the same
// channel, emulating a device that echoes what it's sent.
type Loopback struct {
	mu        sync.Mutex
	contexts  map[ContextHandle]*loopbackContext
	nextID    ContextHandle
	epoch     time.Time
	resetCBs  []func()
	injectJmp int64 // ticks offset injected to simulate non-monotonic reads, test hook
}

// NewLoopback creates a Loopback bus service anchored at the current time.
func NewLoopback() *Loopback {
	return &Loopback{
		contexts: map[ContextHandle]*loopbackContext{},
		epoch:    time.Now(),
	}
}

// CreateIsoContext implements Service.
func (l *Loopback) CreateIsoContext(dir Direction, channel int, speed Speed, maxPacketSize, bufferPackets, irqInterval int) (ContextHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: socketpair: %v", ErrResource, err)
	}

	l.nextID++
	id := l.nextID
	l.contexts[id] = &loopbackContext{
		dir:           dir,
		channel:       channel,
		speed:         speed,
		maxPacketSize: maxPacketSize,
		bufferPackets: bufferPackets,
		irqInterval:   irqInterval,
		rfd:           fds[0],
		wfd:           fds[1],
	}
	return id, nil
}

// StartIso implements Service.
func (l *Loopback) StartIso(h ContextHandle, startCycle int, sync uint8, tags uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, ok := l.contexts[h]
	if !ok {
		return fmt.Errorf("bus: unknown context %d", h)
	}
	ctx.running = true
	ctx.startCycle = startCycle
	log.Debugf("loopback: started context %d (%s ch=%d) at cycle=%d", h, ctx.dir, ctx.channel, startCycle)
	return nil
}

// StopIso implements Service.
func (l *Loopback) StopIso(h ContextHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, ok := l.contexts[h]
	if !ok {
		return fmt.Errorf("bus: unknown context %d", h)
	}
	ctx.running = false
	return nil
}

// DestroyContext implements Service.
func (l *Loopback) DestroyContext(h ContextHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, ok := l.contexts[h]
	if !ok {
		return nil
	}
	unix.Close(ctx.rfd)
	unix.Close(ctx.wfd)
	delete(l.contexts, h)
	return nil
}

// QueueIso implements Service: the payload is stashed for delivery to any
// receive context on the same channel, and the write end of the context's
// pipe is pinged so poll(2) observes readiness.
func (l *Loopback) QueueIso(h ContextHandle, desc PacketDescriptor, data []byte) error {
	l.mu.Lock()
	ctx, ok := l.contexts[h]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("bus: unknown context %d", h)
	}
	if desc.PayloadLength > ctx.maxPacketSize {
		l.mu.Unlock()
		return fmt.Errorf("bus: payload %d exceeds max_packet_size %d", desc.PayloadLength, ctx.maxPacketSize)
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	rxDesc := desc
	rxDesc.PayloadLength = len(cp)
	for _, other := range l.contexts {
		if other.dir == DirectionReceive && other.channel == ctx.channel && other.running {
			other.queue = append(other.queue, queuedPacket{desc: rxDesc, data: cp})
			_, _ = unix.Write(other.wfd, []byte{1})
		}
	}
	l.mu.Unlock()
	return nil
}

// PollFD implements Service.
func (l *Loopback) PollFD(h ContextHandle) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, ok := l.contexts[h]
	if !ok {
		return -1, fmt.Errorf("bus: unknown context %d", h)
	}
	return ctx.rfd, nil
}

// DequeueIso implements Service: it pops the next queued packet for a
// receive context, if any, draining the single readiness byte QueueIso
// wrote so a subsequent PollFD accurately reflects remaining backlog.
func (l *Loopback) DequeueIso(h ContextHandle) (PacketDescriptor, []byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, ok := l.contexts[h]
	if !ok || len(ctx.queue) == 0 {
		return PacketDescriptor{}, nil, false
	}
	var b [1]byte
	_, _ = unix.Read(ctx.rfd, b[:])
	pkt := ctx.queue[0]
	ctx.queue = ctx.queue[1:]
	return pkt.desc, pkt.data, true
}

// ReadCycleTimer implements Service: synthesizes a CTR from wall-clock
// time elapsed since the Loopback was created.
func (l *Loopback) ReadCycleTimer() (ticks.CTR, int64, error) {
	l.mu.Lock()
	inject := l.injectJmp
	l.injectJmp = 0
	l.mu.Unlock()

	now := time.Now()
	usec := now.Sub(l.epoch).Microseconds()
	t := (ticks.UsecToTicksNominal(usec) + inject) % int64(ticks.Max)
	if t < 0 {
		t += int64(ticks.Max)
	}
	return ticks.TicksToCTR(uint64(t)), usec, nil
}

// RegisterBusResetHandler implements Service.
func (l *Loopback) RegisterBusResetHandler(cb func()) {
	l.mu.Lock()
	l.resetCBs = append(l.resetCBs, cb)
	l.mu.Unlock()
}

// InjectReset fires all registered bus-reset callbacks, simulating a 1394
// bus reset (spec.md S3).
func (l *Loopback) InjectReset() {
	l.mu.Lock()
	cbs := append([]func(){}, l.resetCBs...)
	l.epoch = time.Now()
	l.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// InjectNonMonotonicRead makes the next ReadCycleTimer call return a tick
// value offset by deltaTicks (which may be negative), simulating the
// hardware register glitches spec.md 4.1/8 step 2 and S6 describe.
func (l *Loopback) InjectNonMonotonicRead(deltaTicks int64) {
	l.mu.Lock()
	l.injectJmp = deltaTicks
	l.mu.Unlock()
}
