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

// Package session wires a parsed config.Session into a running set of
// ticks/dll/bus/amdtp/iso/stream/streammgr collaborators -- the glue code a
// device manager would own in real FFADO, out of scope here per spec.md's
// Non-goals, but something has to build the object graph for the CLI.
package session

import (
	"fmt"

	"github.com/ffado/streamcore/amdtp"
	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/cmd/ffado-streamctl/statusapi"
	"github.com/ffado/streamcore/config"
	"github.com/ffado/streamcore/dll"
	"github.com/ffado/streamcore/iso"
	"github.com/ffado/streamcore/metrics"
	"github.com/ffado/streamcore/ringbuffer"
	"github.com/ffado/streamcore/stream"
	"github.com/ffado/streamcore/streammgr"
)

const ringBufferPeriods = 8

// namedStream pairs a StreamProcessor with the identifying bits
// statusapi.Stream and metrics labels need.
type namedStream struct {
	name      string
	direction string
	channel   int
	sp        interface {
		State() stream.State
		Xrun() bool
		DroppedCycles() int
	}
	lastDroppedCycles int // cumulative count last observed, for delta metrics
}

// Session owns every collaborator for one running streaming session.
type Session struct {
	cfg     config.Session
	svc     bus.Service
	clock   *dll.Helper
	isoMgr  *iso.Manager
	mgr     *streammgr.Manager
	metrics *metrics.Registry
	streams []namedStream
}

// Build constructs a Session from cfg using svc as the BusService backend
// (bus.NewLoopback() when there is no real 1394 hardware layer wired in).
func Build(cfg config.Session, svc bus.Service) (*Session, error) {
	s := &Session{cfg: cfg, svc: svc, metrics: metrics.NewRegistry()}

	s.clock = dll.NewHelper(svc, cfg.DLL)
	s.isoMgr = iso.NewManager(svc)
	s.mgr = streammgr.NewManager(s.clock)
	s.mgr.SetPeriodSize(cfg.PeriodSize)
	s.mgr.SetNbBuffers(cfg.NbBuffers)
	s.mgr.SetNominalRate(cfg.SampleRate)

	sytInterval, err := amdtp.SytIntervalForRate(cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	for _, rx := range cfg.Receive {
		if err := s.addReceive(rx, sytInterval); err != nil {
			return nil, err
		}
	}
	for _, tx := range cfg.Transmit {
		if err := s.addTransmit(tx, sytInterval); err != nil {
			return nil, err
		}
	}
	if cfg.Escalation != "" {
		if err := s.mgr.PrepareWithEscalationFormula(cfg.Escalation); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	return s, nil
}

func buildPorts(pcs []config.PortConfig) []*amdtp.Port {
	ports := make([]*amdtp.Port, 0, len(pcs))
	for _, pc := range pcs {
		p := &amdtp.Port{Position: pc.Position, Location: pc.Location, Enabled: true}
		if pc.Kind == "midi" {
			p.Kind = amdtp.KindMIDI
		} else {
			p.Kind = amdtp.KindAudio
			p.Format = amdtp.Int24
		}
		ports = append(ports, p)
	}
	return ports
}

func frameSizeBytes(ports []*amdtp.Port) int {
	const bytesPerEvent = 4 // Int24 and Float are both carried in a 32-bit wire slot
	n := len(ports)
	if n == 0 {
		n = 1
	}
	return n * bytesPerEvent
}

func (s *Session) addReceive(rx config.StreamConfig, sytInterval int) error {
	ports := buildPorts(rx.Ports)
	nominalTPF := float64(24576000) / float64(s.cfg.SampleRate)
	buf := ringbuffer.New(s.cfg.PeriodSize*s.cfg.NbBuffers*2, frameSizeBytes(ports), nominalTPF, s.cfg.PeriodSize*ringBufferPeriods)

	sp := stream.NewAmdtpReceiveStreamProcessor(rx.Channel, buf, s.clock)
	if err := sp.PrepareChild(ports, sytInterval); err != nil {
		return fmt.Errorf("session: receive channel %d: %w", rx.Channel, err)
	}

	h := iso.NewHandler(s.svc, bus.DirectionReceive, rx.Channel, s.cfg.Speed, 1024, 64, 8, 2)
	if err := h.Prepare(); err != nil {
		return fmt.Errorf("session: receive channel %d: %w", rx.Channel, err)
	}
	h.AttachReceiver(sp)
	s.isoMgr.Register(h)
	s.mgr.RegisterReceiveStream(sp)

	name := fmt.Sprintf("rx%d", rx.Channel)
	s.streams = append(s.streams, namedStream{name: name, direction: "receive", channel: rx.Channel, sp: sp})
	return nil
}

func (s *Session) addTransmit(tx config.StreamConfig, sytInterval int) error {
	ports := buildPorts(tx.Ports)
	nominalTPF := float64(24576000) / float64(s.cfg.SampleRate)
	buf := ringbuffer.New(s.cfg.PeriodSize*s.cfg.NbBuffers*2, frameSizeBytes(ports), nominalTPF, s.cfg.PeriodSize*ringBufferPeriods)

	sp := stream.NewAmdtpTransmitStreamProcessor(tx.Channel, buf, s.clock, 0, false)
	if err := sp.PrepareChild(ports, s.cfg.SampleRate); err != nil {
		return fmt.Errorf("session: transmit channel %d: %w", tx.Channel, err)
	}

	h := iso.NewHandler(s.svc, bus.DirectionTransmit, tx.Channel, s.cfg.Speed, 1024, 64, 8, 2)
	if err := h.Prepare(); err != nil {
		return fmt.Errorf("session: transmit channel %d: %w", tx.Channel, err)
	}
	h.AttachTransmitter(sp)
	s.isoMgr.Register(h)
	s.mgr.RegisterTransmitStream(sp)

	name := fmt.Sprintf("tx%d", tx.Channel)
	s.streams = append(s.streams, namedStream{name: name, direction: "transmit", channel: tx.Channel, sp: sp})
	return nil
}

// Manager exposes the underlying StreamProcessorManager.
func (s *Session) Manager() *streammgr.Manager { return s.mgr }

// IsoManager exposes the underlying IsoHandlerManager.
func (s *Session) IsoManager() *iso.Manager { return s.isoMgr }

// Clock exposes the underlying CycleTimerHelper.
func (s *Session) Clock() *dll.Helper { return s.clock }

// Metrics exposes the session's metrics registry.
func (s *Session) Metrics() *metrics.Registry { return s.metrics }

// RefreshMetrics copies every stream's current state into the metrics
// registry; call periodically from the run loop.
func (s *Session) RefreshMetrics() {
	for i := range s.streams {
		st := &s.streams[i]
		s.metrics.SetStreamState(st.name, st.direction, int(st.sp.State()))

		cumulative := st.sp.DroppedCycles()
		s.metrics.AddDroppedCycles(st.name, st.direction, cumulative-st.lastDroppedCycles)
		st.lastDroppedCycles = cumulative

		if st.sp.Xrun() {
			s.metrics.IncXrun(st.name, st.direction)
		}
	}
}

// Status builds the JSON status document served at /status.
func (s *Session) Status() statusapi.Status {
	doc := statusapi.Status{SampleRate: s.cfg.SampleRate, PeriodSize: s.cfg.PeriodSize}
	for _, st := range s.streams {
		doc.Streams = append(doc.Streams, statusapi.Stream{
			Name:          st.name,
			Direction:     st.direction,
			Channel:       st.channel,
			State:         st.sp.State().String(),
			DroppedCycles: st.sp.DroppedCycles(),
		})
	}
	return doc
}
