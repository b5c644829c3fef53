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

import "errors"

// Sentinel errors the manager surfaces, analogous in spirit to the
// teacher's per-package sentinel errors (spec.md 7 "Error kinds").
var (
	// ErrShutdownNeeded means a failure could not be locally recovered and
	// the caller must tear the whole session down (spec.md 7 "HandlerDead",
	// persistent XRun).
	ErrShutdownNeeded = errors.New("streammgr: shutdown needed")
	// ErrTimeout means wait_for_period (or a startup sub-step) returned
	// without the awaited condition becoming true in time.
	ErrTimeout = errors.New("streammgr: timed out")
	// ErrAlignFailed means align_received_streams didn't converge within
	// NbAlignTries.
	ErrAlignFailed = errors.New("streammgr: align_received_streams did not converge")
	// ErrNoSyncSource means Prepare was called with nothing registered.
	ErrNoSyncSource = errors.New("streammgr: no sync source: register at least one stream")
	// ErrBusReset is surfaced to the client after a bus-reset notification
	// (spec.md 4.7 "Bus-reset handling").
	ErrBusReset = errors.New("streammgr: bus reset")
)
