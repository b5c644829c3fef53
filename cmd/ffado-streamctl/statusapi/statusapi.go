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

// Package statusapi defines the small JSON document a running
// ffado-streamctl session exposes at /status, and the client helper that
// fetches it -- the same fetch-then-render split as
// ptp/sptp/stats.FetchStats feeding ptpcheck's "sources" table.
package statusapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Stream is one registered StreamProcessor's status snapshot.
type Stream struct {
	Name          string `json:"name"`
	Direction     string `json:"direction"`
	Channel       int    `json:"channel"`
	State         string `json:"state"`
	DroppedCycles int    `json:"dropped_cycles"`
	Xrun          bool   `json:"xrun"`
}

// Status is the full document served at /status.
type Status struct {
	SampleRate int      `json:"sample_rate"`
	PeriodSize int      `json:"period_size"`
	Streams    []Stream `json:"streams"`
}

// Fetch retrieves and decodes the /status document served at baseURL.
func Fetch(baseURL string) (Status, error) {
	c := http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(fmt.Sprintf("%s/status", baseURL))
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("statusapi: %s: %s", resp.Status, string(b))
	}

	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return Status{}, fmt.Errorf("statusapi: decode: %w", err)
	}
	return s, nil
}

// Handler serves the current status as JSON, calling source on every
// request so it always reflects live state.
func Handler(source func() Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
