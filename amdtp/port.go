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

package amdtp

import "fmt"

// Kind tags a Port's payload type (spec.md 9: "Ports are a tagged variant
// {Audio(AudioFormat), Midi, Control}").
type Kind int

// Port kinds.
const (
	KindAudio Kind = iota
	KindMIDI
	KindControl
)

// AudioFormat selects the sample representation carried by an audio port.
type AudioFormat int

// Supported audio sample types (spec.md 6 "set_audio_data_type").
const (
	Int24 AudioFormat = iota
	Float
)

// Port is one subframe position's worth of client-side buffer state
// (spec.md 9): a shared buffer descriptor plus kind-specific addressing.
// Audio ports are identified by Position (their subframe index); MIDI
// ports additionally carry Location, the byte index multiplexed within
// the MIDI subframe stream.
type Port struct {
	Kind     Kind
	Position int // subframe index within the frame
	Location int // MIDI only: logical MIDI port index

	Format  AudioFormat // audio only
	Enabled bool

	// AudioBuffer and FloatBuffer are the client-owned sample storage for
	// one period; which one is used depends on Format (AudioBuffer for
	// Int24, FloatBuffer for Float). Audio data is copied in/out by the caller per period;
	// this struct only carries the pointer so the cache can refresh the
	// volatile fields cheaply (spec.md 4.6 "Port cache").
	AudioBuffer []int32
	FloatBuffer []float32

	MIDI MIDIRateLimiter
}

// Cache holds Ports sorted by Position, refreshed on every state change so
// the per-packet codec never performs a map lookup (spec.md 4.6: "the SP
// caches port pointers in position order after a state change; cache is
// refreshed on every packet by copying the volatile fields... only").
type Cache struct {
	audio       []*Port
	midi        []*Port
	sytInterval int
}

// Build sorts ports by Position (audio) or Location (MIDI) and validates
// that no MIDI port's Location exceeds sytInterval, the prepare-time check
// from spec.md 8 ("A MIDI port whose location > syt_interval is rejected
// at prepare time").
func Build(ports []*Port, sytInterval int) (*Cache, error) {
	c := &Cache{sytInterval: sytInterval}
	for _, p := range ports {
		switch p.Kind {
		case KindAudio:
			c.audio = append(c.audio, p)
		case KindMIDI:
			if p.Location > sytInterval {
				return nil, fmt.Errorf("amdtp: MIDI port location %d exceeds syt_interval %d", p.Location, sytInterval)
			}
			c.midi = append(c.midi, p)
		case KindControl:
			// Control ports carry no wire subframe; nothing to cache.
		}
	}
	insertionSortByPosition(c.audio)
	insertionSortByLocation(c.midi)
	return c, nil
}

func insertionSortByPosition(ports []*Port) {
	for i := 1; i < len(ports); i++ {
		for j := i; j > 0 && ports[j-1].Position > ports[j].Position; j-- {
			ports[j-1], ports[j] = ports[j], ports[j-1]
		}
	}
}

func insertionSortByLocation(ports []*Port) {
	for i := 1; i < len(ports); i++ {
		for j := i; j > 0 && ports[j-1].Location > ports[j].Location; j-- {
			ports[j-1], ports[j] = ports[j], ports[j-1]
		}
	}
}

// AudioPorts returns the position-ordered audio ports.
func (c *Cache) AudioPorts() []*Port { return c.audio }

// MIDIPorts returns the location-ordered MIDI ports.
func (c *Cache) MIDIPorts() []*Port { return c.midi }

// Refresh re-reads only the volatile Enabled flag from src for each cached
// port, matching src by identity (spec.md 4.6: cache refresh copies
// volatile fields only, it does not re-sort or reallocate).
func (c *Cache) Refresh(src []*Port) {
	byPtr := make(map[*Port]*Port, len(src))
	for _, p := range src {
		byPtr[p] = p
	}
	for _, p := range c.audio {
		if live, ok := byPtr[p]; ok {
			p.Enabled = live.Enabled
		}
	}
	for _, p := range c.midi {
		if live, ok := byPtr[p]; ok {
			p.Enabled = live.Enabled
		}
	}
}

// Dimension is the number of 32-bit subframes per audio frame: one per
// audio port plus one per MIDI port, each MIDI port occupying its own
// rate-limited subframe position (spec.md 9, 4.6).
func (c *Cache) Dimension() int {
	return len(c.audio) + len(c.midi)
}
