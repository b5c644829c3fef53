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

package iso

import (
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ffado/streamcore/bus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pollTimeout is the poll(2) timeout the iso task uses between readiness
// checks (spec.md 4.4: "poll with a short timeout (e.g. 10ms)").
const pollTimeout = 10 * time.Millisecond

// minIterationDuration and maxRunawayIterations guard against a runaway
// task thread, mirroring dll.Helper's failure semantics (spec.md 4.4
// "Safety").
const (
	minIterationDuration = 100 * time.Microsecond
	maxRunawayIterations  = 50
)

// Manager is IsoHandlerManager (spec.md 3.5, 4.4): it aggregates Handlers
// and pumps a single poll loop that dispatches to each ready one.
type Manager struct {
	svc bus.Service

	mu       sync.Mutex
	handlers []*Handler

	// requestUpdate is bumped by any registration/state-change caller;
	// the task thread notices it at the top of each loop iteration and
	// refreshes its flat shadow arrays, so registration never blocks the
	// pump (spec.md 3.5, 4.4 "Shadow map update").
	requestUpdate atomic.Int32

	shadowMu      sync.Mutex
	shadowHandlers []*Handler
	shadowPollFds  []unix.PollFd

	errored atomic.Bool // true once any handler reported POLLERR/POLLHUP

	stop chan struct{}
	done chan struct{}

	runawayCount int
	nowFn        func() time.Time
}

// NewManager creates an empty Manager bound to a bus.Service.
func NewManager(svc bus.Service) *Manager {
	return &Manager{
		svc:  svc,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		nowFn: time.Now,
	}
}

// Register adds a handler to the manager and requests a shadow refresh.
// Safe to call while the task is running (spec.md 3.5).
func (m *Manager) Register(h *Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
	m.requestUpdate.Add(1)
}

// Unregister removes a handler (e.g. once its in_use flag clears,
// spec.md 4.4 "Lifecycle").
func (m *Manager) Unregister(h *Handler) {
	m.mu.Lock()
	for i, hh := range m.handlers {
		if hh == h {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.requestUpdate.Add(1)
}

// Handlers returns a snapshot of the currently registered handlers.
func (m *Manager) Handlers() []*Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handler, len(m.handlers))
	copy(out, m.handlers)
	return out
}

// StartHandlers enables every registered handler at the same future
// cycle so streams start in phase (spec.md 4.4 "Lifecycle").
func (m *Manager) StartHandlers(cycle int) error {
	for _, h := range m.Handlers() {
		if err := h.Enable(cycle, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// StopHandlers disables every handler in registration-reverse order
// (spec.md 4.4 "Lifecycle").
func (m *Manager) StopHandlers() error {
	handlers := m.Handlers()
	var firstErr error
	for i := len(handlers) - 1; i >= 0; i-- {
		if err := handlers[i].Disable(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// syncIsoHandler picks the SyncIsoHandler: the first transmit handler if
// any, else the first handler (spec.md 4.4 step 1).
func syncIsoHandler(handlers []*Handler) *Handler {
	if len(handlers) == 0 {
		return nil
	}
	for _, h := range handlers {
		if h.Direction() == bus.DirectionTransmit {
			return h
		}
	}
	return handlers[0]
}

// refreshShadow copies the live handler table into flat arrays consulted
// by the poll loop (spec.md 3.5, 4.4 step 1).
func (m *Manager) refreshShadow() {
	handlers := m.Handlers()
	fds := make([]unix.PollFd, 0, len(handlers))
	live := make([]*Handler, 0, len(handlers))
	for _, h := range handlers {
		fd, err := h.PollFD()
		if err != nil {
			log.Warnf("iso: poll_fd failed for ch=%d: %v", h.Channel(), err)
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd)})
		live = append(live, h)
	}
	m.shadowMu.Lock()
	m.shadowHandlers = live
	m.shadowPollFds = fds
	m.shadowMu.Unlock()
	m.requestUpdate.Add(-1)
}

// Errored reports whether the manager has observed a fatal handler error
// (spec.md 4.4 step 3: "manager marks the iso system in Error").
func (m *Manager) Errored() bool { return m.errored.Load() }

// Start launches the background iso task goroutine.
func (m *Manager) Start() {
	m.refreshShadow()
	go m.run()
}

// Stop requests the iso task to exit and waits for it.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		iterStart := m.nowFn()
		if m.requestUpdate.Load() > 0 {
			m.refreshShadow()
		}

		m.shadowMu.Lock()
		handlers := m.shadowHandlers
		fds := make([]unix.PollFd, len(m.shadowPollFds))
		copy(fds, m.shadowPollFds)
		m.shadowMu.Unlock()

		anyReady := false
		for i, h := range handlers {
			if h.ReadyForIteration() {
				fds[i].Events = unix.POLLIN
				anyReady = true
			} else {
				fds[i].Events = 0
			}
		}

		if !anyReady {
			// spec.md 4.4 step 2: block rather than busy-loop when no
			// handler is ready; the sync source's StreamProcessor is
			// responsible for waking this thread via its own wait
			// condition. Here that's modeled as a short sleep so the
			// manager periodically rechecks readiness without spinning.
			time.Sleep(pollTimeout)
			continue
		}

		n, err := pollFds(fds, pollTimeout)
		if err != nil {
			log.Warnf("iso: poll error: %v", err)
		} else if n > 0 {
			for i, pfd := range fds {
				if pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
					log.Errorf("iso: handler ch=%d reported POLLERR/POLLHUP", handlers[i].Channel())
					handlers[i].dead = true
					m.errored.Store(true)
					continue
				}
				if pfd.Revents&unix.POLLIN != 0 {
					now, _, err := m.svc.ReadCycleTimer()
					if err != nil {
						log.Warnf("iso: read_cycle_timer failed: %v", err)
						continue
					}
					disp := handlers[i].Iterate(now)
					if disp == DispositionXRun {
						log.Warnf("iso: handler ch=%d signalled xrun", handlers[i].Channel())
					}
				}
			}
		}

		if m.nowFn().Sub(iterStart) < minIterationDuration {
			m.runawayCount++
			if m.runawayCount >= maxRunawayIterations {
				log.Error("iso: runaway loop detected, stopping task")
				return
			}
		} else {
			m.runawayCount = 0
		}
	}
}

// pollFds wraps unix.Poll, swallowing EINTR (grounded on the same retry
// pattern phc's PPS poller uses).
func pollFds(fds []unix.PollFd, timeout time.Duration) (int, error) {
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if !errors.Is(err, syscall.EINTR) {
			return n, err
		}
	}
}

// Now exposes bus.NowUsec so callers assembling end-to-end demos don't
// need to import bus directly just for the clock.
func Now() int64 { return bus.NowUsec() }
