// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
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

// Package buildnetmetrics exposes Prometheus collectors for the scheduler,
// cache, ledger, and cluster components on a private registry.
package buildnetmetrics

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

	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	taskRetries      *prometheus.CounterVec
	cacheOps         *prometheus.CounterVec
	cacheBytes       prometheus.Gauge
	ledgerAppends    *prometheus.CounterVec
	electionsTotal   *prometheus.CounterVec
	allocatorQueued  *prometheus.GaugeVec
)

// Task outcome labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultRetry   = "retry"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to ensure
// clean state between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveTaskCompletion records a task's terminal outcome and duration.
func ObserveTaskCompletion(strategy, result string, duration time.Duration) {
	s := sanitizeLabel(strategy, "unknown")
	r := sanitizeLabel(result, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if tasksTotal != nil {
		tasksTotal.WithLabelValues(s, r).Inc()
	}
	if taskDuration != nil {
		taskDuration.WithLabelValues(s, r).Observe(durationSeconds(duration))
	}
}

// IncTaskRetry increments the retry counter for a worker strategy.
func IncTaskRetry(strategy string) {
	s := sanitizeLabel(strategy, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if taskRetries != nil {
		taskRetries.WithLabelValues(s).Inc()
	}
}

// ObserveCacheOp records a cache operation (store/restore/evict) outcome.
func ObserveCacheOp(op, outcome string) {
	o := sanitizeLabel(op, "unknown")
	out := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if cacheOps != nil {
		cacheOps.WithLabelValues(o, out).Inc()
	}
}

// SetCacheBytes records the cache's current total size in bytes.
func SetCacheBytes(n float64) {
	mu.RLock()
	defer mu.RUnlock()
	if cacheBytes != nil {
		cacheBytes.Set(n)
	}
}

// IncLedgerAppend records a ledger append by entry type.
func IncLedgerAppend(entryType string) {
	t := sanitizeLabel(entryType, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if ledgerAppends != nil {
		ledgerAppends.WithLabelValues(t).Inc()
	}
}

// IncElection records an election outcome (won/lost/timed_out/cancelled).
func IncElection(outcome string) {
	o := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if electionsTotal != nil {
		electionsTotal.WithLabelValues(o).Inc()
	}
}

// SetAllocatorQueueLength records the current FIFO queue length for a tier.
func SetAllocatorQueueLength(tier string, n float64) {
	t := sanitizeLabel(tier, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if allocatorQueued != nil {
		allocatorQueued.WithLabelValues(t).Set(n)
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	tt := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildnet",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Total tasks reaching a terminal outcome, grouped by strategy and result.",
	}, []string{"strategy", "result"})

	td := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "buildnet",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Duration of tasks from assignment to terminal outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
	}, []string{"strategy", "result"})

	tr := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildnet",
		Subsystem: "scheduler",
		Name:      "task_retries_total",
		Help:      "Total task retries grouped by strategy.",
	}, []string{"strategy"})

	co := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildnet",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Artifact cache operations grouped by op and outcome.",
	}, []string{"op", "outcome"})

	cb := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildnet",
		Subsystem: "cache",
		Name:      "total_bytes",
		Help:      "Total bytes currently occupied by stored artifacts.",
	})

	la := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildnet",
		Subsystem: "ledger",
		Name:      "appends_total",
		Help:      "Total ledger entries appended, grouped by entry type.",
	}, []string{"entry_type"})

	el := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildnet",
		Subsystem: "cluster",
		Name:      "elections_total",
		Help:      "Total elections grouped by outcome.",
	}, []string{"outcome"})

	aq := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "buildnet",
		Subsystem: "allocator",
		Name:      "queue_length",
		Help:      "Current FIFO queue length per priority tier.",
	}, []string{"tier"})

	registry.MustRegister(tt, td, tr, co, cb, la, el, aq)

	reg = registry
	tasksTotal = tt
	taskDuration = td
	taskRetries = tr
	cacheOps = co
	cacheBytes = cb
	ledgerAppends = la
	electionsTotal = el
	allocatorQueued = aq
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
