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
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLeader struct {
	mu      sync.Mutex
	tasks   []Task
	results []TaskResult
	started int32
}

func (f *fakeLeader) PollTask(ctx context.Context, workerID string) (*Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, false, nil
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	return &t, true, nil
}

func (f *fakeLeader) ReportStarted(ctx context.Context, taskID, workerID string) error {
	atomic.AddInt32(&f.started, 1)
	return nil
}

func (f *fakeLeader) ReportProgress(ctx context.Context, taskID, workerID string, percent int, message string) error {
	return nil
}

func (f *fakeLeader) ReportResult(ctx context.Context, result TaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

type fakeExecutor struct {
	fail bool
}

func (e *fakeExecutor) Execute(ctx context.Context, task Task) (TaskResult, error) {
	if e.fail {
		return TaskResult{Success: false}, context.DeadlineExceeded
	}
	return TaskResult{Success: true}, nil
}

func TestWorkerRunnerExecutesAndReportsResult(t *testing.T) {
	leader := &fakeLeader{tasks: []Task{{ID: "t1"}}}
	w := NewWorkerRunner(WorkerConfig{WorkerID: "w1", MaxConcurrent: 1, PollInterval: 5 * time.Millisecond}, leader, &fakeExecutor{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	leader.mu.Lock()
	defer leader.mu.Unlock()
	if len(leader.results) != 1 {
		t.Fatalf("expected exactly one reported result, got %d", len(leader.results))
	}
	if !leader.results[0].Success {
		t.Fatalf("expected success result, got %+v", leader.results[0])
	}
	if atomic.LoadInt32(&leader.started) != 1 {
		t.Fatalf("expected exactly one started report")
	}
}

func TestWorkerRunnerReportsFailureFromExecutor(t *testing.T) {
	leader := &fakeLeader{tasks: []Task{{ID: "t1"}}}
	w := NewWorkerRunner(WorkerConfig{WorkerID: "w1", MaxConcurrent: 1, PollInterval: 5 * time.Millisecond}, leader, &fakeExecutor{fail: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	leader.mu.Lock()
	defer leader.mu.Unlock()
	if len(leader.results) != 1 || leader.results[0].Success {
		t.Fatalf("expected one failed result, got %+v", leader.results)
	}
	if leader.results[0].Error == "" {
		t.Fatalf("expected error message populated on failure")
	}
}
