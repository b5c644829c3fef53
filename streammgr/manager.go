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

package streammgr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ffado/streamcore/stream"
	"github.com/ffado/streamcore/ticks"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Constants named after spec.md 4.7's startup algorithm.
const (
	// SignalDelayTicks is added to the worst-case receive frame latency to
	// get sync_delay, the extra lead time receive streams are scheduled
	// ahead of the sync source to absorb signal propagation (spec.md 4.7
	// "sync_delay = max(...) + SIGNAL_DELAY_TICKS").
	SignalDelayTicks = 2 * ticks.PerCycle
	// PrestartXmitCycles is how many bus cycles ahead of time_of_first_sample
	// transmit streams are scheduled to start (spec.md 4.7 "PRESTART_XMIT").
	PrestartXmitCycles = 5
	// AlignAveragePeriods is how many periods align_received_streams
	// averages an offset measurement over before acting on it.
	AlignAveragePeriods = 8
	// NbAlignTries bounds align_received_streams' retry loop.
	NbAlignTries = 4
	// SyncstartTries bounds handle_xrun's startup-retry loop.
	SyncstartTries = 3
	// DefaultWaitTimeout is wait_for_period's default timeout (spec.md 5).
	DefaultWaitTimeout = time.Second
	// dryRunTimeout is how long start_dry_running waits for every SP to
	// reach DryRunning (spec.md 4.7: "wait up to 1s (~8000 cycles)").
	dryRunTimeout = time.Second
	// escalationHistory bounds how many xrun observations Escalator keeps.
	escalationHistory = 200
)

// Manager is StreamProcessorManager (spec.md 4.7): it owns no packet I/O of
// its own — that's the iso task's job, driving each registered SP's
// PutPacket/GetPacket directly — but owns the startup sequence, the
// client-facing period loop, and xrun/bus-reset recovery.
type Manager struct {
	mu sync.Mutex

	periodSize int
	nbBuffers  int
	rate       int

	clock   stream.SyncClock
	nowUsec func() int64

	receives   []ReceiveStreamProcessor
	transmits  []TransmitStreamProcessor
	syncSource StreamProcessor

	waitTimeout    time.Duration
	timeOfTransfer uint64

	activity  chan struct{}
	busReset  chan struct{}
	shutdown  bool
	escalator *Escalator
	xrunCount int
}

// NewManager builds a Manager with the spec's defaults (48kHz, period 512,
// 3 buffers); call the Set* methods to override before Prepare.
func NewManager(clock stream.SyncClock) *Manager {
	return &Manager{
		periodSize:  512,
		nbBuffers:   3,
		rate:        48000,
		clock:       clock,
		nowUsec:     func() int64 { return time.Now().UnixMicro() },
		waitTimeout: DefaultWaitTimeout,
		activity:    make(chan struct{}, 1),
		busReset:    make(chan struct{}, 1),
	}
}

// SetPeriodSize sets the SPM-level period size in frames.
func (m *Manager) SetPeriodSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periodSize = n
}

// SetNbBuffers sets the number of buffers of lead time the transmit side
// keeps preloaded.
func (m *Manager) SetNbBuffers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nbBuffers = n
}

// SetNominalRate sets the nominal sample rate in Hz.
func (m *Manager) SetNominalRate(rate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = rate
}

// SetWaitTimeout overrides wait_for_period's default timeout.
func (m *Manager) SetWaitTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitTimeout = d
}

// RegisterReceiveStream adds a receive SP, and makes it the sync source if
// none is set yet (spec.md 6 "register_stream").
func (m *Manager) RegisterReceiveStream(sp ReceiveStreamProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receives = append(m.receives, sp)
	if m.syncSource == nil {
		m.syncSource = sp
	}
}

// RegisterTransmitStream adds a transmit SP.
func (m *Manager) RegisterTransmitStream(sp TransmitStreamProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmits = append(m.transmits, sp)
	if m.syncSource == nil {
		m.syncSource = sp
	}
}

// UnregisterReceiveStream removes sp, picking a new sync source if needed.
func (m *Manager) UnregisterReceiveStream(sp ReceiveStreamProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.receives {
		if r == sp {
			m.receives = append(m.receives[:i], m.receives[i+1:]...)
			break
		}
	}
	if m.syncSource == StreamProcessor(sp) {
		m.pickSyncSourceLocked()
	}
}

// UnregisterTransmitStream removes sp, picking a new sync source if needed.
func (m *Manager) UnregisterTransmitStream(sp TransmitStreamProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.transmits {
		if t == sp {
			m.transmits = append(m.transmits[:i], m.transmits[i+1:]...)
			break
		}
	}
	if m.syncSource == StreamProcessor(sp) {
		m.pickSyncSourceLocked()
	}
}

func (m *Manager) pickSyncSourceLocked() {
	m.syncSource = nil
	if len(m.receives) > 0 {
		m.syncSource = m.receives[0]
		return
	}
	if len(m.transmits) > 0 {
		m.syncSource = m.transmits[0]
	}
}

// Signal notifies the activity semaphore, waking a blocked WaitForPeriod
// call (spec.md 5: "Client thread suspends only on the SPM activity
// semaphore"). Called by whatever drives the iso task once per batch.
func (m *Manager) Signal() {
	select {
	case m.activity <- struct{}{}:
	default:
	}
}

// NotifyBusReset wakes the manager's bus-reset path; wire it to
// bus.Service.RegisterBusResetHandler.
func (m *Manager) NotifyBusReset() {
	select {
	case m.busReset <- struct{}{}:
	default:
	}
}

// ShutdownNeeded reports whether a fatal condition (bus reset, escalated
// xrun) requires the caller to tear the session down.
func (m *Manager) ShutdownNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Escalator exposes the xrun-escalation diagnostic for metrics/CLI use.
func (m *Manager) Escalator() *Escalator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalator
}

// Prepare validates configuration and picks the escalation formula
// (spec.md 4.7 step 1). Per-SP prepare_child is the caller's responsibility
// (stream.PrepareChild) before registering.
func (m *Manager) Prepare() error {
	return m.prepareWithFormula("")
}

// PrepareWithEscalationFormula is Prepare but with a caller-supplied
// govaluate formula for xrun escalation (operator-tunable per SPEC_FULL.md's
// domain-stack wiring for govaluate/welford).
func (m *Manager) PrepareWithEscalationFormula(formula string) error {
	return m.prepareWithFormula(formula)
}

func (m *Manager) prepareWithFormula(formula string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.periodSize <= 0 {
		return fmt.Errorf("streammgr: period size must be positive, got %d", m.periodSize)
	}
	if m.nbBuffers < 2 {
		return fmt.Errorf("streammgr: nb_buffers must be >= 2, got %d", m.nbBuffers)
	}
	if m.syncSource == nil {
		return ErrNoSyncSource
	}
	esc, err := NewEscalator(formula)
	if err != nil {
		return err
	}
	m.escalator = esc
	m.xrunCount = 0
	m.shutdown = false
	return nil
}

// snapshot copies the registered-stream slices and config under lock, so
// the rest of startup can iterate without holding the mutex across
// SP calls (SPs have their own locks).
type snapshot struct {
	periodSize int
	nbBuffers  int
	receives   []ReceiveStreamProcessor
	transmits  []TransmitStreamProcessor
	syncSource StreamProcessor
}

func (m *Manager) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot{
		periodSize: m.periodSize,
		nbBuffers:  m.nbBuffers,
		receives:   append([]ReceiveStreamProcessor(nil), m.receives...),
		transmits:  append([]TransmitStreamProcessor(nil), m.transmits...),
		syncSource: m.syncSource,
	}
}

// StartDryRunning schedules every SP to DryRunning and waits for all of
// them to report it (spec.md 4.7 step 2).
func (m *Manager) StartDryRunning(ctx context.Context) error {
	snap := m.snapshot()
	for _, r := range snap.receives {
		r.ScheduleDryRunning()
	}
	for _, t := range snap.transmits {
		t.ScheduleDryRunning()
	}

	deadline := time.Now().Add(dryRunTimeout)
	for {
		if allState(snap, stream.StateDryRunning) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("streammgr: start_dry_running: %w", ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func allState(snap snapshot, want stream.State) bool {
	for _, r := range snap.receives {
		if r.State() != want {
			return false
		}
	}
	for _, t := range snap.transmits {
		if t.State() != want {
			return false
		}
	}
	return true
}

func startCycleOf(t uint64) uint32 {
	return uint32((t % ticks.Max) / ticks.PerCycle)
}

// SyncStartAll computes the sync anchor and schedules every SP to Running
// at its respective start time, then preloads transmit buffers and aligns
// receive streams (spec.md 4.7 step 3).
func (m *Manager) SyncStartAll(ctx context.Context) error {
	snap := m.snapshot()

	nowTicks := m.clock.Ticks(m.nowUsec())
	syncDelay := maxFrameLatencyTicks(snap) + uint64(SignalDelayTicks)

	snap.syncSource.SeedBufferTailTimestamp(nowTicks)
	timeOfFirstSample := snap.syncSource.TimeAtPeriod(snap.periodSize, snap.nbBuffers)

	timeToStartXmit := ticks.SubTicks(timeOfFirstSample, uint64(PrestartXmitCycles*ticks.PerCycle))
	timeToStartRecv := ticks.SubTicks(timeOfFirstSample, syncDelay)

	for _, tx := range snap.transmits {
		tx.SeedBufferTailTimestamp(timeOfFirstSample)
	}

	snap.syncSource.ScheduleRunning(startCycleOf(timeOfFirstSample))
	for _, r := range snap.receives {
		if StreamProcessor(r) == snap.syncSource {
			continue
		}
		r.ScheduleRunning(startCycleOf(timeToStartRecv))
	}
	for _, tx := range snap.transmits {
		if StreamProcessor(tx) == snap.syncSource {
			continue
		}
		tx.ScheduleRunning(startCycleOf(timeToStartXmit))
	}

	if err := m.waitForState(ctx, snap.syncSource, stream.StateRunning, dryRunTimeout); err != nil {
		return fmt.Errorf("streammgr: sync_start_all: sync source did not start: %w", err)
	}

	prefill := (snap.nbBuffers - 1) * snap.periodSize
	for _, tx := range snap.transmits {
		tailTS := ticks.AddTicks(timeOfFirstSample, uint64(math.Round(float64(prefill)*tx.TicksPerFrame())))
		if err := tx.PutSilenceFrames(prefill, tailTS); err != nil {
			return fmt.Errorf("streammgr: sync_start_all: preload transmit buffer: %w", err)
		}
	}

	m.mu.Lock()
	m.timeOfTransfer = timeOfFirstSample
	m.mu.Unlock()

	return m.alignReceivedStreams(ctx, snap)
}

func maxFrameLatencyTicks(snap snapshot) uint64 {
	var worst float64
	for _, r := range snap.receives {
		lat := float64(snap.periodSize) * r.TicksPerFrame()
		if lat > worst {
			worst = lat
		}
	}
	return uint64(math.Round(worst))
}

func (m *Manager) waitForState(ctx context.Context, sp StreamProcessor, want stream.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if sp.State() == want {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// alignReceivedStreams repeatedly measures each receive SP's period-boundary
// offset from the sync source, averaged over AlignAveragePeriods, and
// shifts any SP whose offset is still >= one frame; it gives up after
// NbAlignTries (spec.md 4.7 step 3 last bullet, spec.md 8 invariant 6).
func (m *Manager) alignReceivedStreams(ctx context.Context, snap snapshot) error {
	for attempt := 0; attempt < NbAlignTries; attempt++ {
		sums := make(map[ReceiveStreamProcessor]float64, len(snap.receives))
		counts := make(map[ReceiveStreamProcessor]int, len(snap.receives))

		for i := 0; i < AlignAveragePeriods; i++ {
			if err := m.sleepOnePeriod(ctx); err != nil {
				return fmt.Errorf("streammgr: align_received_streams: %w", err)
			}
			refTS := snap.syncSource.TimeAtPeriod(snap.periodSize, 1)
			for _, r := range snap.receives {
				if StreamProcessor(r) == snap.syncSource {
					continue
				}
				rxTS := r.TimeAtPeriod(snap.periodSize, 1)
				sums[r] += float64(ticks.DiffTicks(rxTS, refTS))
				counts[r]++
			}
		}

		converged := true
		for _, r := range snap.receives {
			if StreamProcessor(r) == snap.syncSource {
				continue
			}
			n := counts[r]
			if n == 0 {
				continue
			}
			mean := sums[r] / float64(n)
			tpf := r.TicksPerFrame()
			if math.Abs(mean) < tpf {
				continue
			}
			converged = false
			shiftFrames := int(math.Round(mean / tpf))
			if shiftFrames == 0 {
				continue
			}
			if err := r.ShiftStream(shiftFrames); err != nil {
				return fmt.Errorf("streammgr: align_received_streams: shift_stream: %w", err)
			}
		}
		if converged {
			return nil
		}
	}
	return ErrAlignFailed
}

// sleepOnePeriod stands in for "wait for a period" during alignment: the
// iso task is expected to be running concurrently and advancing every SP's
// buffer, so this simply waits a fixed 1ms, whatever the period length,
// instead of blocking on a dedicated signal.
func (m *Manager) sleepOnePeriod(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

// Start runs the full startup sequence: prepare, start_dry_running,
// sync_start_all (spec.md 4.7). All three steps must already have their
// streams registered and prepare_child'd.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	prepared := m.escalator != nil
	m.mu.Unlock()
	if !prepared {
		if err := m.Prepare(); err != nil {
			return fmt.Errorf("streammgr: start: %w", err)
		}
	}
	if err := m.StartDryRunning(ctx); err != nil {
		return fmt.Errorf("streammgr: start: %w", err)
	}
	if err := m.SyncStartAll(ctx); err != nil {
		return fmt.Errorf("streammgr: start: %w", err)
	}
	return nil
}

// WaitForPeriod blocks on the activity semaphore for one wake-up, then checks
// whether every SP reports can_consume_period/can_produce_period, recovering
// from xruns along the way (spec.md 4.7 "Period loop"). It returns true, nil
// when all are ready; false, nil when some SP is not ready yet or an xrun was
// recovered, which the caller may retry; and a non-nil error on timeout
// (wrapping ErrTimeout), bus reset, context cancellation, or when the
// session must be torn down.
func (m *Manager) WaitForPeriod(ctx context.Context) (bool, error) {
	m.mu.Lock()
	timeout := m.waitTimeout
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.busReset:
		m.handleBusResetLocked()
		return false, ErrBusReset
	case <-timer.C:
		return false, fmt.Errorf("streammgr: wait_for_period: %w", ErrTimeout)
	case <-m.activity:
	}

	if m.anyXrun() {
		if escalate, err := m.escalator.ShouldEscalate(); err != nil {
			log.Warnf("streammgr: escalation formula error: %v", err)
		} else if escalate {
			m.mu.Lock()
			m.shutdown = true
			m.mu.Unlock()
			return false, fmt.Errorf("streammgr: %w: xrun history crossed escalation threshold", ErrShutdownNeeded)
		}
		if err := m.handleXrun(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	if !m.allReady() {
		return false, nil
	}

	m.refreshTimeOfTransfer()
	return true, nil
}

func (m *Manager) allReady() bool {
	snap := m.snapshot()
	for _, r := range snap.receives {
		if !r.CanConsumePeriod(snap.periodSize) {
			return false
		}
	}
	for _, t := range snap.transmits {
		if !t.CanProducePeriod(snap.periodSize) {
			return false
		}
	}
	return true
}

func (m *Manager) anyXrun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	any := false
	for _, r := range m.receives {
		if r.Xrun() {
			any = true
			m.escalator.Observe(r.DroppedCycles(), 0, escalationHistory)
		}
	}
	for _, t := range m.transmits {
		if t.Xrun() {
			any = true
			m.escalator.Observe(t.DroppedCycles(), 0, escalationHistory)
		}
	}
	return any
}

// handleXrun re-runs start_dry_running + sync_start_all up to
// SyncstartTries times before giving up (spec.md 4.7 "handle_xrun").
func (m *Manager) handleXrun(ctx context.Context) error {
	m.mu.Lock()
	m.xrunCount++
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < SyncstartTries; attempt++ {
		log.Warnf("streammgr: xrun recovery attempt %d/%d", attempt+1, SyncstartTries)
		if err := m.StartDryRunning(ctx); err != nil {
			lastErr = err
			continue
		}
		if err := m.SyncStartAll(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	return fmt.Errorf("streammgr: %w: xrun recovery failed after %d tries: %v", ErrShutdownNeeded, SyncstartTries, lastErr)
}

func (m *Manager) refreshTimeOfTransfer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeOfTransfer = m.syncSource.TimeAtPeriod(m.periodSize, 1)
}

// Transfer calls get_frames on every receive SP and put_frames on every
// transmit SP for the current period (spec.md 4.7 "transfer").
func (m *Manager) Transfer() error {
	snap := m.snapshot()
	m.mu.Lock()
	ts := m.timeOfTransfer
	m.mu.Unlock()

	for _, r := range snap.receives {
		if err := r.GetFrames(snap.periodSize, ts); err != nil {
			return fmt.Errorf("streammgr: transfer: get_frames: %w", err)
		}
	}
	for _, tx := range snap.transmits {
		txTS := ticks.AddTicks(ts, uint64(math.Round(float64(snap.nbBuffers*snap.periodSize)*tx.TicksPerFrame())))
		if err := tx.PutFrames(snap.periodSize, txTS); err != nil {
			return fmt.Errorf("streammgr: transfer: put_frames: %w", err)
		}
	}
	return nil
}

func (m *Manager) handleBusResetLocked() {
	m.mu.Lock()
	receives := append([]ReceiveStreamProcessor(nil), m.receives...)
	transmits := append([]TransmitStreamProcessor(nil), m.transmits...)
	m.shutdown = true
	m.mu.Unlock()

	for _, r := range receives {
		r.HandleBusReset()
	}
	for _, t := range transmits {
		t.HandleBusReset()
	}
}

// Run drives the client-facing period loop in one errgroup goroutine until
// ctx is cancelled or WaitForPeriod/Transfer returns an error; bus resets
// arrive through WaitForPeriod as ErrBusReset and end the loop like any
// other error.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			ok, err := m.WaitForPeriod(ctx)
			if err != nil {
				return err
			}
			if !ok {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			if err := m.Transfer(); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}
