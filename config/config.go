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

// Package config loads the on-disk YAML description of a streaming session:
// sample rate, period size, buffer depth, port layout, DLL bandwidth, and
// the 1394 bus speed to bring the link up at. There is no FireWire config-ROM
// discovery in this module (spec.md Non-goals), so something has to tell the
// session what ports and rate to use; this is that something.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ffado/streamcore/amdtp"
	"github.com/ffado/streamcore/bus"
	"github.com/ffado/streamcore/dll"
	"gopkg.in/yaml.v3"
)

// PortConfig describes one audio or MIDI port to expose on a stream.
type PortConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`     // "audio" or "midi"
	Location int    `yaml:"location"` // MIDI only: MIDI port index, used to sort MIDI ports
	Position int    `yaml:"position"` // audio subframe index within the frame, used to sort audio ports
}

// StreamConfig describes one direction's AMDTP stream.
type StreamConfig struct {
	Channel int          `yaml:"channel"`
	Ports   []PortConfig `yaml:"ports"`
}

// Session is the parsed, validated form of the YAML session file.
type Session struct {
	SampleRate  int
	PeriodSize  int
	NbBuffers   int
	Speed       bus.Speed
	DLL         dll.Config
	Receive     []StreamConfig
	Transmit    []StreamConfig
	Escalation  string
	MetricsAddr string
}

type yamlPort struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Location int    `yaml:"location"`
	Position int    `yaml:"position"`
}

type yamlStream struct {
	Channel int        `yaml:"channel"`
	Ports   []yamlPort `yaml:"ports"`
}

type yamlSession struct {
	SampleRate int    `yaml:"sample_rate"`
	PeriodSize int    `yaml:"period_size"`
	NbBuffers  int    `yaml:"nb_buffers"`
	Speed      string `yaml:"speed"`
	DLL        struct {
		UpdatePeriodUs int     `yaml:"update_period_us"`
		BandwidthHz    float64 `yaml:"bandwidth_hz"`
	} `yaml:"dll"`
	Receive     []yamlStream `yaml:"receive"`
	Transmit    []yamlStream `yaml:"transmit"`
	Escalation  string       `yaml:"escalation_formula"`
	MetricsAddr string       `yaml:"metrics_addr"`
}

// Load reads and validates a session config from path.
func Load(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and converts raw YAML bytes into a Session, applying the
// same defaults as dll.DefaultConfig for anything the file omits.
func Parse(data []byte) (Session, error) {
	defaults := dll.DefaultConfig()

	var yc yamlSession
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Session{}, fmt.Errorf("config: parse: %w", err)
	}

	s := Session{
		SampleRate:  48000,
		PeriodSize:  512,
		NbBuffers:   3,
		Speed:       bus.Speed400,
		DLL:         defaults,
		MetricsAddr: ":9200",
	}

	if yc.SampleRate > 0 {
		if _, err := amdtp.FDFForRate(yc.SampleRate); err != nil {
			return Session{}, fmt.Errorf("config: sample_rate: %w", err)
		}
		s.SampleRate = yc.SampleRate
	}
	if yc.PeriodSize > 0 {
		s.PeriodSize = yc.PeriodSize
	}
	if yc.NbBuffers > 0 {
		if yc.NbBuffers < 2 {
			return Session{}, fmt.Errorf("config: nb_buffers must be >= 2, got %d", yc.NbBuffers)
		}
		s.NbBuffers = yc.NbBuffers
	}
	if yc.Speed != "" {
		speed, err := parseSpeed(yc.Speed)
		if err != nil {
			return Session{}, err
		}
		s.Speed = speed
	}
	if yc.DLL.UpdatePeriodUs > 0 {
		s.DLL.UpdatePeriod = time.Duration(yc.DLL.UpdatePeriodUs) * time.Microsecond
	}
	if yc.DLL.BandwidthHz > 0 {
		s.DLL.BandwidthHz = yc.DLL.BandwidthHz
	}
	if yc.Escalation != "" {
		s.Escalation = yc.Escalation
	}
	if yc.MetricsAddr != "" {
		s.MetricsAddr = yc.MetricsAddr
	}

	if len(yc.Receive) == 0 && len(yc.Transmit) == 0 {
		return Session{}, fmt.Errorf("config: at least one receive or transmit stream is required")
	}

	for _, rx := range yc.Receive {
		sc, err := convertStream(rx)
		if err != nil {
			return Session{}, err
		}
		s.Receive = append(s.Receive, sc)
	}
	for _, tx := range yc.Transmit {
		sc, err := convertStream(tx)
		if err != nil {
			return Session{}, err
		}
		s.Transmit = append(s.Transmit, sc)
	}

	return s, nil
}

func convertStream(ys yamlStream) (StreamConfig, error) {
	if len(ys.Ports) == 0 {
		return StreamConfig{}, fmt.Errorf("config: channel %d: at least one port is required", ys.Channel)
	}
	sc := StreamConfig{Channel: ys.Channel}
	for _, p := range ys.Ports {
		if p.Kind != "audio" && p.Kind != "midi" {
			return StreamConfig{}, fmt.Errorf("config: channel %d: port %q: kind must be \"audio\" or \"midi\", got %q", ys.Channel, p.Name, p.Kind)
		}
		sc.Ports = append(sc.Ports, PortConfig{
			Name:     p.Name,
			Kind:     p.Kind,
			Location: p.Location,
			Position: p.Position,
		})
	}
	return sc, nil
}

func parseSpeed(s string) (bus.Speed, error) {
	switch s {
	case "S100":
		return bus.Speed100, nil
	case "S200":
		return bus.Speed200, nil
	case "S400":
		return bus.Speed400, nil
	case "S800":
		return bus.Speed800, nil
	default:
		return 0, fmt.Errorf("config: speed: unknown speed %q (want S100/S200/S400/S800)", s)
	}
}
