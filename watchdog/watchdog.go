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

// Package watchdog supervises the two realtime loops the streaming core
// depends on, the iso task and the CTR (CycleTimerHelper) task (spec.md 5:
// "A watchdog supervises (1) and (2)"). It tracks how late each loop's
// heartbeat arrives against the period it committed to, and separately pings
// systemd's own watchdog so an operator running this under systemd catches a
// wedged process even if nothing else does.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
)

// Stage names the realtime loop a Monitor supervises, for log/metric
// labeling.
type Stage string

const (
	StageIso Stage = "iso"
	StageCTR Stage = "ctr"
)

// Monitor tracks one realtime loop's heartbeat against a budget: if Kick
// isn't called within Budget of the previous Kick, the loop is considered
// starved and Starved reports true until the next on-time Kick.
type Monitor struct {
	mu      sync.Mutex
	stage   Stage
	budget  time.Duration
	last    time.Time
	starved bool
	misses  int
}

// NewMonitor builds a Monitor for stage with the given per-iteration budget.
func NewMonitor(stage Stage, budget time.Duration) *Monitor {
	return &Monitor{stage: stage, budget: budget, last: time.Now()}
}

// Kick records a heartbeat at now, updating the starved flag based on how
// long it has been since the previous kick.
func (m *Monitor) Kick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := now.Sub(m.last)
	m.last = now
	if elapsed > m.budget {
		m.starved = true
		m.misses++
		log.Warnf("watchdog: %s loop missed its budget: %s elapsed, budget %s", m.stage, elapsed, m.budget)
		return
	}
	m.starved = false
}

// Starved reports whether the most recent Kick missed budget.
func (m *Monitor) Starved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starved
}

// Misses returns the cumulative count of budget misses.
func (m *Monitor) Misses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.misses
}

// Supervisor aggregates every Stage's Monitor and periodically notifies
// systemd's watchdog as long as none of them are starved, mirroring
// ptp/c4u's SdNotify idiom but gated on loop health rather than called once
// at startup.
type Supervisor struct {
	mu       sync.Mutex
	monitors map[Stage]*Monitor
}

// NewSupervisor builds an empty Supervisor; call Register for each stage
// before Run.
func NewSupervisor() *Supervisor {
	return &Supervisor{monitors: make(map[Stage]*Monitor)}
}

// Register adds stage with the given heartbeat budget and returns its
// Monitor for the caller's loop to Kick.
func (s *Supervisor) Register(stage Stage, budget time.Duration) *Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := NewMonitor(stage, budget)
	s.monitors[stage] = m
	return m
}

// Healthy reports whether every registered stage's most recent heartbeat
// was on time.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.monitors {
		if m.Starved() {
			return false
		}
	}
	return true
}

// NotifyReady sends sd_notify(READY=1), the same call ptp/c4u.SdNotify makes
// once a daemon has finished starting up.
func NotifyReady() error {
	return Notify(daemon.SdNotifyReady)
}

// Notify sends state (READY=1, WATCHDOG=1, ...) through sd_notify once,
// with the same (false, nil)/(false, err)/(true, nil) tristate handling as
// ptp/c4u.SdNotify. It does not consult Healthy(); Supervisor.Run is what
// repeats WATCHDOG=1 pings while every stage is healthy.
func Notify(state string) error {
	supported, err := daemon.SdNotify(false, state)
	if !supported && err != nil {
		return fmt.Errorf("watchdog: sd_notify: %w", err)
	} else if !supported {
		log.Debug("watchdog: sd_notify not supported (NOTIFY_SOCKET unset)")
	}
	return nil
}

// Run pings systemd's watchdog at interval until stop is closed, sending
// WATCHDOG=1 only while Healthy() and logging (without panicking) when a
// stage is starved so the supervising process misses its own deadline and
// the operator's systemd unit restarts it.
func (s *Supervisor) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.Healthy() {
				log.Warn("watchdog: at least one realtime loop is starved, withholding sd_notify ping")
				continue
			}
			if err := Notify(daemon.SdNotifyWatchdog); err != nil {
				log.Warnf("watchdog: %v", err)
			}
		}
	}
}
