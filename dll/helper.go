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

// Package dll implements CycleTimerHelper (spec.md 4.1): a background
// thread that reads the 1394 hardware cycle-timer register and runs a
// 2nd-order digital phase-locked loop to produce a smooth, extrapolatable
// mapping between host monotonic time and bus ticks.
package dll

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/ticks"
	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// shadowSlots is the size of the generation table readers consult; the
// writer always publishes to a fresh slot before bumping the index, so a
// reader following the index never observes a partially written slot
// (spec.md 4.1 step 6).
const shadowSlots = 4

// maxRetries bounds how many hardware cycle-timer reads one DLL iteration
// takes to debounce a bogus (zero or non-monotonic) register value
// (spec.md 4.1 step 2, 8 "CTR reads of 0 are retried up to N times"). Each
// candidate read is compared against the last accepted raw read; readings
// that look like they went backwards are discarded without disturbing
// that baseline, and the last accepted reading wins.
const maxRetries = 4

// minIterationDuration below which consecutive loop iterations are
// considered a runaway thread (spec.md 4.1 "Failure semantics").
const minIterationDuration = 100 * time.Microsecond

// maxRunawayIterations is the number of consecutive sub-threshold
// iterations that trips the runaway guard.
const maxRunawayIterations = 50

// Config parameterizes Helper.
type Config struct {
	// UpdatePeriod is P_us, the thread's wake period.
	UpdatePeriod time.Duration
	// BandwidthHz is the target DLL loop bandwidth; clamped to below the
	// Nyquist frequency of 1/UpdatePeriod.
	BandwidthHz float64
}

// DefaultConfig matches spec.md 4.1's suggested defaults: 1ms period,
// ~0.1Hz bandwidth.
func DefaultConfig() Config {
	return Config{
		UpdatePeriod: time.Millisecond,
		BandwidthHz:  0.1,
	}
}

type triple struct {
	ticks uint64
	usec  int64
	rate  float64 // ticks per usec
}

// Helper is CycleTimerHelper.
type Helper struct {
	cfg Config
	bus bus.Service

	shadows     [shadowSlots]triple
	currentIdx  atomic.Uint32
	initialized atomic.Bool

	// DLL state, only touched by the Execute goroutine.
	dllE2 float64
	b, c  float64

	busResetPending atomic.Bool
	dead            atomic.Bool
	runawayCount    int

	errStats *welford.Stats // running mean/variance of the correction error, for diagnostics

	stop   chan struct{}
	done   chan struct{}
	nowFn  func() time.Time // overridable for tests
	sleep  func(time.Duration)
	readMu func() // test hook, normally nil
}

// NewHelper constructs a Helper bound to a bus.Service. Call Start to
// begin the background thread.
func NewHelper(svc bus.Service, cfg Config) *Helper {
	h := &Helper{
		cfg:      cfg,
		bus:      svc,
		errStats: welford.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		nowFn:    time.Now,
		sleep:    time.Sleep,
	}
	h.resetDLLCoefficients()
	svc.RegisterBusResetHandler(h.onBusReset)
	return h
}

func (h *Helper) resetDLLCoefficients() {
	bw := h.cfg.BandwidthHz
	periodSec := h.cfg.UpdatePeriod.Seconds()
	nyquist := 1.0 / (2 * periodSec)
	if bw > nyquist {
		bw = nyquist
	}
	omega := 2 * math.Pi * bw * periodSec
	b := math.Sqrt2 * omega
	if b >= 1 {
		b = 0.999
	}
	h.b = b
	h.c = omega * omega
}

// onBusReset is invoked by the bus.Service on a 1394 bus reset
// notification (spec.md 4.1 "On bus reset").
func (h *Helper) onBusReset() {
	h.busResetPending.Store(true)
}

// Start launches the background DLL thread.
func (h *Helper) Start() {
	go h.run()
}

// Stop requests the background thread to exit and waits for it.
func (h *Helper) Stop() {
	close(h.stop)
	<-h.done
}

// IsDead reports whether the helper gave up after a runaway-thread
// detection (spec.md 4.1 "Failure semantics"). Callers should keep using
// the last published estimate and consider reinitializing.
func (h *Helper) IsDead() bool {
	return h.dead.Load()
}

func (h *Helper) run() {
	defer close(h.done)
	sleepUntil := h.nowFn()
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		iterStart := h.nowFn()
		h.sleep(sleepUntil.Sub(iterStart))
		woke := h.nowFn()
		lateness := woke.Sub(sleepUntil)
		if lateness < 0 {
			// Early wake is a logic error (spec.md 4.1 step 4); clamp
			// rather than let it corrupt the correction.
			lateness = 0
		}

		if h.busResetPending.Load() {
			h.handleBusReset()
		} else {
			h.iterate(woke, lateness)
		}

		if h.nowFn().Sub(iterStart) < minIterationDuration {
			h.runawayCount++
			if h.runawayCount >= maxRunawayIterations {
				log.Error("dll: runaway loop detected, marking helper dead")
				h.dead.Store(true)
				return
			}
		} else {
			h.runawayCount = 0
		}

		sleepUntil = sleepUntil.Add(h.cfg.UpdatePeriod)
	}
}

func (h *Helper) handleBusReset() {
	ctr, hostUsec, err := h.readCycleTimerRetrying()
	if err != nil {
		log.Warningf("dll: bus reset recovery could not read cycle timer: %v", err)
		return
	}
	h.dllE2 = 0
	h.resetDLLCoefficients()
	h.publish(ticks.CTRToTicks(ctr), hostUsec, nominalRate())
	h.busResetPending.Store(false)
	log.Info("dll: reinitialized after bus reset")
}

func (h *Helper) readCycleTimerRetrying() (ticks.CTR, int64, error) {
	var baselineTicks uint64
	var haveBaseline bool
	var goodCTR ticks.CTR
	var goodUsec int64
	var haveGood bool

	for i := 0; i < maxRetries; i++ {
		ctr, usec, err := h.bus.ReadCycleTimer()
		if err != nil {
			continue
		}
		if ctr == 0 {
			continue
		}
		t := ticks.CTRToTicks(ctr)
		if haveBaseline && ticks.DiffTicks(t, baselineTicks) < 0 {
			// Non-monotonic versus the last accepted read; spec.md 8 S6:
			// reject without disturbing the comparison baseline, retry.
			continue
		}
		baselineTicks = t
		haveBaseline = true
		goodCTR, goodUsec = ctr, usec
		haveGood = true
	}
	if !haveGood {
		return 0, 0, fmt.Errorf("dll: cycle timer read failed after %d retries", maxRetries)
	}
	return goodCTR, goodUsec, nil
}

func nominalRate() float64 {
	return float64(ticks.PerSecond) / 1e6
}

// iterate performs one DLL update cycle (spec.md 4.1 steps 2-6).
func (h *Helper) iterate(woke time.Time, lateness time.Duration) {
	ctr, hostUsec, err := h.readCycleTimerRetrying()
	if err != nil {
		log.Warningf("dll: %v", err)
		return
	}
	measuredTicks := ticks.CTRToTicks(ctr)

	if !h.initialized.Load() {
		h.publish(measuredTicks, hostUsec, nominalRate())
		h.initialized.Store(true)
		return
	}

	predictedTicks := h.ticksLocked(hostUsec)
	e := float64(ticks.DiffTicks(measuredTicks, predictedTicks))

	// Correct by measured wake-up lateness, scaled to ticks (step 4).
	latenessTicks := float64(lateness.Microseconds()) * nominalRate()
	eCorr := e - latenessTicks

	h.errStats.Add(eCorr)

	correction := h.dllE2 + h.b*eCorr
	nextTicks := ticks.AddTicks(measuredTicks, wrapDelta(int64(math.Round(correction))))
	h.dllE2 += h.c * eCorr

	rate := nominalRate() + h.dllE2/float64(h.cfg.UpdatePeriod.Microseconds())
	h.publish(nextTicks, hostUsec, rate)
}

// wrapDelta folds a signed tick delta into [0, ticks.Max) so it can be fed
// to ticks.AddTicks, which only accepts unsigned wrap-at-128s operands.
func wrapDelta(d int64) uint64 {
	const m = int64(ticks.Max)
	d %= m
	if d < 0 {
		d += m
	}
	return uint64(d)
}

// ticksLocked extrapolates from the currently published shadow; callers
// on the writer goroutine use it to compute the DLL's prediction error,
// readers use the exported Ticks.
func (h *Helper) ticksLocked(nowUsec int64) uint64 {
	s := h.shadows[h.currentIdx.Load()%shadowSlots]
	delta := float64(nowUsec - s.usec)
	return ticks.AddTicks(s.ticks, wrapDelta(int64(math.Round(delta*s.rate))))
}

func (h *Helper) publish(t uint64, usec int64, rate float64) {
	next := (h.currentIdx.Load() + 1) % shadowSlots
	h.shadows[next] = triple{ticks: t % ticks.Max, usec: usec, rate: rate}
	h.currentIdx.Store(next)
}

// Ticks returns the estimated tick count at host time nowUsec, extrapolated
// from the latest published (ticks, usec, rate) triple (spec.md 4.1 Reader
// API).
func (h *Helper) Ticks(nowUsec int64) uint64 {
	return h.ticksLocked(nowUsec)
}

// Usec is the inverse of Ticks: estimates the host time at which the bus
// reached the given tick value.
func (h *Helper) Usec(t uint64) int64 {
	s := h.shadows[h.currentIdx.Load()%shadowSlots]
	if s.rate == 0 {
		return s.usec
	}
	diff := ticks.DiffTicks(t, s.ticks)
	return s.usec + int64(math.Round(float64(diff)/s.rate))
}

// CorrectionErrorStats returns the running mean/stddev of the DLL's
// post-lateness-correction error, useful for operator diagnostics.
// streammgr's xrun Escalator does not read it; its formula sees only
// dropped-cycle and jitter history.
func (h *Helper) CorrectionErrorStats() (mean, stddev float64) {
	return h.errStats.Mean(), h.errStats.Stddev()
}
