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

package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// TaskExecutor runs a task to completion on the worker's local machine
// (invoking the task's command in its cwd/env). Implementations live
// outside the core; the core only depends on this narrow interface.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) (TaskResult, error)
}

// LeaderClient is the worker-side view of the authoritative scheduler:
// poll for work, report lifecycle events. Implementations wrap the wire
// transport (out of scope for the core); this interface is what the
// core's Worker depends on.
type LeaderClient interface {
	PollTask(ctx context.Context, workerID string) (*Task, bool, error)
	ReportStarted(ctx context.Context, taskID, workerID string) error
	ReportProgress(ctx context.Context, taskID, workerID string, percent int, message string) error
	ReportResult(ctx context.Context, result TaskResult) error
}

// WorkerConfig controls a Worker's poll cadence and backoff.
type WorkerConfig struct {
	WorkerID         string
	MaxConcurrent    int
	PollInterval     time.Duration
	PollBackoffMax   time.Duration
	HeartbeatEvery   time.Duration
}

// workerRunner is the worker-side poll/lease/execute loop: it repeatedly
// asks the leader for work, runs it through a TaskExecutor, and reports
// the outcome. Structurally this mirrors the provisioner's job worker:
// poll, claim, execute, record — but against the scheduler's in-memory
// assignment map instead of a SQL lease table. Named distinctly from the
// scheduler-side Worker struct in types.go, which represents a worker as
// seen by the scheduler, not the worker's own process.
//
// This file uses the plain log package rather than slog, matching the
// teacher's own inconsistency in its equivalent file.
type workerRunner struct {
	cfg      WorkerConfig
	leader   LeaderClient
	executor TaskExecutor
	logger   *log.Logger

	mu      sync.Mutex
	running int

	backoff time.Duration
}

// NewWorkerRunner constructs the worker-side execution loop.
func NewWorkerRunner(cfg WorkerConfig, leader LeaderClient, executor TaskExecutor, logger *log.Logger) *workerRunner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollBackoffMax <= 0 {
		cfg.PollBackoffMax = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &workerRunner{
		cfg:      cfg,
		leader:   leader,
		executor: executor,
		logger:   logger,
		backoff:  cfg.PollInterval,
	}
}

func (w *workerRunner) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] "+format, append([]any{w.cfg.WorkerID}, args...)...)
	}
}

// Run polls the leader for tasks until ctx is cancelled, dispatching up
// to MaxConcurrent tasks at a time. Cancellation is cooperative: Run
// returns once in-flight executions finish observing ctx.Done at their
// next progress boundary.
func (w *workerRunner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.hasCapacity() {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		task, ok, err := w.leader.PollTask(ctx, w.cfg.WorkerID)
		if err != nil {
			w.logf("poll error: %v", err)
			w.sleep(ctx, w.nextBackoff())
			continue
		}
		if !ok {
			w.resetBackoff()
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		w.resetBackoff()

		w.acquireSlot()
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer w.releaseSlot()
			w.execute(ctx, t)
		}(*task)
	}
}

func (w *workerRunner) execute(ctx context.Context, task Task) {
	if err := w.leader.ReportStarted(ctx, task.ID, w.cfg.WorkerID); err != nil {
		w.logf("report started failed for task %s: %v", task.ID, err)
	}

	start := time.Now()
	result, err := w.executor.Execute(ctx, task)
	result.TaskID = task.ID
	result.WorkerID = w.cfg.WorkerID
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		w.logf("task %s failed: %v", task.ID, err)
	}

	if err := w.leader.ReportResult(ctx, result); err != nil {
		w.logf("report result failed for task %s: %v", task.ID, err)
	}
}

func (w *workerRunner) hasCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running < w.cfg.MaxConcurrent
}

func (w *workerRunner) acquireSlot() {
	w.mu.Lock()
	w.running++
	w.mu.Unlock()
}

func (w *workerRunner) releaseSlot() {
	w.mu.Lock()
	w.running--
	w.mu.Unlock()
}

func (w *workerRunner) nextBackoff() time.Duration {
	cur := w.backoff
	w.backoff *= 2
	if w.backoff > w.cfg.PollBackoffMax {
		w.backoff = w.cfg.PollBackoffMax
	}
	return cur
}

func (w *workerRunner) resetBackoff() {
	w.backoff = w.cfg.PollInterval
}

func (w *workerRunner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
