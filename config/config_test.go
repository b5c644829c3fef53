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

package config

import (
	"testing"

	"github.com/ffado/streamcore/bus"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
sample_rate: 48000
period_size: 256
nb_buffers: 3
speed: S400
receive:
  - channel: 0
    ports:
      - name: analog-1
        kind: audio
        location: 0
        position: 0
`

func TestParseMinimalConfig(t *testing.T) {
	s, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, 48000, s.SampleRate)
	require.Equal(t, 256, s.PeriodSize)
	require.Equal(t, 3, s.NbBuffers)
	require.Equal(t, bus.Speed400, s.Speed)
	require.Len(t, s.Receive, 1)
	require.Equal(t, "analog-1", s.Receive[0].Ports[0].Name)
}

func TestParseAppliesDefaults(t *testing.T) {
	s, err := Parse([]byte(`
receive:
  - channel: 0
    ports:
      - name: analog-1
        kind: audio
`))
	require.NoError(t, err)
	require.Equal(t, 48000, s.SampleRate)
	require.Equal(t, 512, s.PeriodSize)
	require.Equal(t, 3, s.NbBuffers)
	require.Equal(t, bus.Speed400, s.Speed)
	require.Equal(t, ":9200", s.MetricsAddr)
}

func TestParseRejectsUnsupportedRate(t *testing.T) {
	_, err := Parse([]byte(`
sample_rate: 12345
receive:
  - channel: 0
    ports:
      - {name: a, kind: audio}
`))
	require.Error(t, err)
}

func TestParseRejectsTooFewBuffers(t *testing.T) {
	_, err := Parse([]byte(`
nb_buffers: 1
receive:
  - channel: 0
    ports:
      - {name: a, kind: audio}
`))
	require.Error(t, err)
}

func TestParseRejectsBadSpeed(t *testing.T) {
	_, err := Parse([]byte(`
speed: S1600
receive:
  - channel: 0
    ports:
      - {name: a, kind: audio}
`))
	require.Error(t, err)
}

func TestParseRejectsNoStreams(t *testing.T) {
	_, err := Parse([]byte(`sample_rate: 48000`))
	require.Error(t, err)
}

func TestParseRejectsStreamWithNoPorts(t *testing.T) {
	_, err := Parse([]byte(`
receive:
  - channel: 0
    ports: []
`))
	require.Error(t, err)
}

func TestParseRejectsBadPortKind(t *testing.T) {
	_, err := Parse([]byte(`
receive:
  - channel: 0
    ports:
      - {name: a, kind: video}
`))
	require.Error(t, err)
}

func TestParseTransmitStreams(t *testing.T) {
	s, err := Parse([]byte(`
transmit:
  - channel: 2
    ports:
      - {name: out-1, kind: audio, location: 0, position: 0}
      - {name: out-2, kind: audio, location: 4, position: 1}
`))
	require.NoError(t, err)
	require.Len(t, s.Transmit, 1)
	require.Len(t, s.Transmit[0].Ports, 2)
	require.Equal(t, 2, s.Transmit[0].Channel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/session.yaml")
	require.Error(t, err)
}
