// Taskrelay is a multi-tenant task dispatch substrate for coordinating hosted agent workers.
// Copyright (C) 2026 The Taskrelay Authors
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
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for the dispatch and
// notification pipelines.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	claimAttempts        *prometheus.CounterVec
	claimLatency         *prometheus.HistogramVec
	queueDepth           *prometheus.GaugeVec
	leaseReclaims        *prometheus.CounterVec
	notificationOutcomes *prometheus.CounterVec
	taskRunDuration      *prometheus.HistogramVec
)

// Outcome labels used across claim/notification/reclaim counters.
const (
	OutcomeClaimed  = "claimed"
	OutcomeEmpty    = "empty"
	OutcomeConflict = "conflict"
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeRequeued = "requeued"
	OutcomeGaveUp   = "gave_up"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used
// by tests to ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// format, suitable for mounting at /metrics.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveClaimAttempt records the outcome and latency of a ClaimNext
// call against the durable queue.
func ObserveClaimAttempt(agentType, outcome string, duration time.Duration) {
	labelAgent := sanitizeLabel(agentType, "unknown")
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if claimAttempts != nil {
		claimAttempts.WithLabelValues(labelAgent, labelOutcome).Inc()
	}
	if claimLatency != nil {
		claimLatency.WithLabelValues(labelAgent).Observe(durationSeconds(duration))
	}
}

// SetQueueDepth reports the current number of queued runs for a status.
func SetQueueDepth(status string, depth float64) {
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(labelStatus).Set(depth)
	}
}

// IncLeaseReclaim increments the expired-lease reclaim counter by outcome
// (requeued vs gave_up at max attempts).
func IncLeaseReclaim(outcome string) {
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if leaseReclaims != nil {
		leaseReclaims.WithLabelValues(labelOutcome).Inc()
	}
}

// IncNotificationOutcome increments the per-channel notification delivery
// outcome counter (sent/failed).
func IncNotificationOutcome(channel, outcome string) {
	labelChannel := sanitizeLabel(channel, "unknown")
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if notificationOutcomes != nil {
		notificationOutcomes.WithLabelValues(labelChannel, labelOutcome).Inc()
	}
}

// ObserveTaskRunDuration records the wall-clock runtime of a completed
// or failed task run, grouped by agent type and terminal status.
func ObserveTaskRunDuration(agentType, status string, duration time.Duration) {
	labelAgent := sanitizeLabel(agentType, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if taskRunDuration != nil {
		taskRunDuration.WithLabelValues(labelAgent, labelStatus).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Subsystem: "dispatch",
		Name:      "claim_attempts_total",
		Help:      "Total claim_next attempts grouped by agent type and outcome.",
	}, []string{"agent_type", "outcome"})

	claimDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskrelay",
		Subsystem: "dispatch",
		Name:      "claim_latency_seconds",
		Help:      "Latency of claim_next calls by agent type.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"agent_type"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskrelay",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of task runs currently in each status.",
	}, []string{"status"})

	reclaims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Subsystem: "reaper",
		Name:      "lease_reclaims_total",
		Help:      "Total expired-lease reclaims grouped by outcome (requeued vs gave_up).",
	}, []string{"outcome"})

	notif := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Subsystem: "notify",
		Name:      "outcomes_total",
		Help:      "Total notification delivery attempts grouped by channel and outcome.",
	}, []string{"channel", "outcome"})

	runDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskrelay",
		Subsystem: "dispatch",
		Name:      "task_run_duration_seconds",
		Help:      "Wall-clock runtime of completed task runs by agent type and terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"agent_type", "status"})

	registry.MustRegister(claims, claimDur, depth, reclaims, notif, runDur)

	reg = registry
	claimAttempts = claims
	claimLatency = claimDur
	queueDepth = depth
	leaseReclaims = reclaims
	notificationOutcomes = notif
	taskRunDuration = runDur
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
