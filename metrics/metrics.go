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

// Package metrics exposes the process-wide counters spec.md 8's testable
// properties imply must be observable: xrun count, dropped cycles, DLL
// correction error, and period latency, per stream, over HTTP in Prometheus
// exposition format (grounded in ptp/sptp/stats.PrometheusExporter's use of
// a private registry + promhttp.Handler rather than the global default
// registry).
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Registry holds the streamcore collectors in their own prometheus.Registry
// rather than the global DefaultRegisterer, so multiple sessions in one
// process (tests included) don't collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	xruns         *prometheus.CounterVec
	droppedCycles *prometheus.CounterVec
	dllErrorTicks *prometheus.GaugeVec
	periodLatency *prometheus.HistogramVec
	streamState   *prometheus.GaugeVec
}

// NewRegistry builds an empty Registry with every streamcore collector
// registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		xruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_xruns_total",
			Help: "Cumulative xrun events per stream.",
		}, []string{"stream", "direction"}),
		droppedCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_dropped_cycles_total",
			Help: "Cumulative dropped 1394 cycles per stream.",
		}, []string{"stream", "direction"}),
		dllErrorTicks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcore_dll_error_ticks",
			Help: "Most recent CycleTimerHelper phase error, in ticks.",
		}, []string{}),
		periodLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamcore_period_latency_seconds",
			Help:    "Wall-clock time spent in one streammgr period (wait_for_period + transfer).",
			Buckets: prometheus.DefBuckets,
		}, []string{}),
		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcore_stream_state",
			Help: "Current lifecycle state per stream, as its numeric stream.State value.",
		}, []string{"stream", "direction"}),
	}
	r.reg.MustRegister(r.xruns, r.droppedCycles, r.dllErrorTicks, r.periodLatency, r.streamState)
	return r
}

// IncXrun records one xrun event for the named stream.
func (r *Registry) IncXrun(stream, direction string) {
	r.xruns.WithLabelValues(stream, direction).Inc()
}

// AddDroppedCycles adds n dropped cycles for the named stream.
func (r *Registry) AddDroppedCycles(stream, direction string, n int) {
	if n <= 0 {
		return
	}
	r.droppedCycles.WithLabelValues(stream, direction).Add(float64(n))
}

// SetDLLErrorTicks records the DLL's most recent phase error.
func (r *Registry) SetDLLErrorTicks(ticks float64) {
	r.dllErrorTicks.WithLabelValues().Set(ticks)
}

// ObservePeriodLatency records how long one streammgr period took.
func (r *Registry) ObservePeriodLatency(seconds float64) {
	r.periodLatency.WithLabelValues().Observe(seconds)
}

// SetStreamState records a stream's current lifecycle state as its
// underlying numeric value (see stream.State's String method for the label
// the number corresponds to at scrape time — Prometheus gauges are numeric
// only).
func (r *Registry) SetStreamState(stream, direction string, state int) {
	r.streamState.WithLabelValues(stream, direction).Set(float64(state))
}

// Handler returns the HTTP handler to mount at the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ListenAndServe blocks, exposing r.Handler() at addr under /metrics.
func (r *Registry) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	log.Infof("metrics: listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	return nil
}
