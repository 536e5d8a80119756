// SPDX-License-Identifier: AGPL-3.0-or-later
// meshring - inter-node messaging fabric for clustered storage engines
// Copyright (C) 2026 The meshring Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/coredb-io/meshring>

package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors this package exports: dropped
// messages per verb, timeouts per peer, and per-stage queue depth.
// CounterVec/HistogramVec/GaugeVec fields are registered once in
// NewMetrics.
type Metrics struct {
	DroppedTotal  *prometheus.CounterVec
	TimeoutsTotal *prometheus.CounterVec
	TimeoutLatency *prometheus.HistogramVec
	StageQueueDepth *prometheus.GaugeVec
	SentTotal     *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector against registerer.
// Passing a prometheus.Registry lets callers isolate metrics per-test;
// production code passes prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshring",
			Name:      "dropped_messages_total",
			Help:      "Messages discarded by the droppable-verb backlog-age policy, by verb.",
		}, []string{"verb"}),
		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshring",
			Name:      "callback_timeouts_total",
			Help:      "Expired callback registry entries, by destination peer.",
		}, []string{"peer"}),
		TimeoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshring",
			Name:      "callback_timeout_latency_seconds",
			Help:      "Time a timed-out callback spent registered before eviction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"peer"}),
		StageQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshring",
			Name:      "stage_queue_depth",
			Help:      "Pending tasks queued on a stage's worker pool.",
		}, []string{"stage"}),
		SentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshring",
			Name:      "sent_messages_total",
			Help:      "Messages successfully written to a peer's socket, by verb.",
		}, []string{"verb"}),
	}
	registerer.MustRegister(m.DroppedTotal, m.TimeoutsTotal, m.TimeoutLatency, m.StageQueueDepth, m.SentTotal)
	return m
}

// ObserveTimeout records one expired callback for peer, bumping the
// counter and the latency histogram.
func (m *Metrics) ObserveTimeout(peer Endpoint, elapsed time.Duration) {
	m.TimeoutsTotal.WithLabelValues(string(peer)).Inc()
	m.TimeoutLatency.WithLabelValues(string(peer)).Observe(elapsed.Seconds())
}

// ObserveDropped records one droppable-verb discard.
func (m *Metrics) ObserveDropped(v Verb) {
	m.DroppedTotal.WithLabelValues(v.String()).Inc()
}

// ObserveSent records one successful write.
func (m *Metrics) ObserveSent(v Verb) {
	m.SentTotal.WithLabelValues(v.String()).Inc()
}

// SetStageQueueDepth publishes the current pending-task count for stage.
func (m *Metrics) SetStageQueueDepth(s Stage, depth int) {
	m.StageQueueDepth.WithLabelValues(s.String()).Set(float64(depth))
}
