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

// Package stream implements StreamProcessor (spec.md 3.3, 4.5): the
// per-stream state machine plus the AMDTP transmit/receive processors
// that convert between wire packets and a TimestampedBuffer.
package stream

import "github.com/ffado/streamcore/ticks"

// State is one node of the StreamProcessor lifecycle (spec.md 3.3).
type State int

// Lifecycle states, shared by transmit and receive processors.
const (
	StateCreated State = iota
	StateStopped
	StateWaitingForStream
	StateDryRunning
	StateWaitingForStreamEnable
	StateRunning
	StateWaitingForStreamDisable
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStopped:
		return "stopped"
	case StateWaitingForStream:
		return "waiting_for_stream"
	case StateDryRunning:
		return "dry_running"
	case StateWaitingForStreamEnable:
		return "waiting_for_stream_enable"
	case StateRunning:
		return "running"
	case StateWaitingForStreamDisable:
		return "waiting_for_stream_disable"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// cycleDue reports whether a scheduled transition targeting switchCycle is
// due at the current packed cycle, using wrap-aware comparison (spec.md
// 3.3: "the actual transition happens when the packet loop first sees
// that cycle").
func cycleDue(nowCycle, switchCycle uint32) bool {
	return ticks.DiffCycles(nowCycle, switchCycle) >= 0
}
