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
	"encoding/json"
	"testing"

	"github.com/mattcburns/buildnet/internal/allocator"
	"github.com/mattcburns/buildnet/internal/ledger"
	"github.com/mattcburns/buildnet/pkg/crypto"
)

func newTestScheduler() *Scheduler {
	return New(Config{MaxTaskRetries: 2}, RoundRobinSelector2{}, nil, nil)
}

// newTestSchedulerWithLedger wires a real in-memory ledger so tests can
// assert on emitted entries, not just in-memory task/build state.
func newTestSchedulerWithLedger(t *testing.T) (*Scheduler, *ledger.Ledger) {
	t.Helper()
	signer, err := crypto.NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	led, err := ledger.Open(context.Background(), ledger.NewMemStore(), signer, "node1", nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return New(Config{MaxTaskRetries: 2}, RoundRobinSelector2{}, led, nil), led
}

// RoundRobinSelector2 avoids atomic counter collisions across parallel
// tests sharing the RoundRobinSelector zero value; it simply wraps
// LeastLoadedSelector, which is comparably deterministic for the small
// fixed worker sets these tests use.
type RoundRobinSelector2 struct{ LeastLoadedSelector }

func mkWorker(id string, maxConcurrent int, caps ...string) *Worker {
	return &Worker{ID: id, Status: WorkerIdle, Capabilities: caps, MaxConcurrent: maxConcurrent}
}

func TestSubmitRejectsCycle(t *testing.T) {
	s := newTestScheduler()

	b := &Build{
		ID: "b1",
		Tasks: map[string]*Task{
			"t1": {ID: "t1", DependsOn: []string{"t2"}},
			"t2": {ID: "t2", DependsOn: []string{"t1"}},
		},
	}

	_, err := s.Submit(b)
	if err == nil {
		t.Fatalf("expected cycle detection error")
	}
	if _, ok := s.GetBuild("b1"); ok {
		t.Fatalf("expected no partial state persisted after cycle rejection")
	}
}

func TestSubmitAndScheduleSimpleChain(t *testing.T) {
	s := newTestScheduler()
	s.RegisterWorker(mkWorker("w1", 2))

	b := &Build{
		ID:       "b1",
		Priority: allocator.PriorityHigh,
		Tasks: map[string]*Task{
			"t1": {ID: "t1"},
			"t2": {ID: "t2", DependsOn: []string{"t1"}},
		},
	}
	if _, err := s.Submit(b); err != nil {
		t.Fatalf("submit: %v", err)
	}

	assignments := s.Schedule()
	if len(assignments) != 1 || assignments[0].TaskID != "t1" {
		t.Fatalf("expected only t1 ready initially, got %+v", assignments)
	}

	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariant: %v", err)
	}

	if err := s.HandleResult(TaskResult{TaskID: "t1", WorkerID: "w1", Success: true}); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	assignments = s.Schedule()
	if len(assignments) != 1 || assignments[0].TaskID != "t2" {
		t.Fatalf("expected t2 ready after t1 completes, got %+v", assignments)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	s, led := newTestSchedulerWithLedger(t)
	s.RegisterWorker(mkWorker("w1", 1))

	b := &Build{
		ID:       "b1",
		Priority: allocator.PriorityMedium,
		Tasks:    map[string]*Task{"t1": {ID: "t1"}},
	}
	if _, err := s.Submit(b); err != nil {
		t.Fatalf("submit: %v", err)
	}

	s.Schedule()
	if err := s.HandleResult(TaskResult{TaskID: "t1", WorkerID: "w1", Success: false}); err != nil {
		t.Fatalf("handle result 1: %v", err)
	}
	got, _ := s.GetBuild("b1")
	if got.Tasks["t1"].Status != TaskPending {
		t.Fatalf("expected task reset to pending for retry, got %v", got.Tasks["t1"].Status)
	}

	s.Schedule()
	if err := s.HandleResult(TaskResult{TaskID: "t1", WorkerID: "w1", Success: false}); err != nil {
		t.Fatalf("handle result 2: %v", err)
	}

	s.Schedule()
	if err := s.HandleResult(TaskResult{TaskID: "t1", WorkerID: "w1", Success: true}); err != nil {
		t.Fatalf("handle result 3: %v", err)
	}

	got, _ = s.GetBuild("b1")
	if got.Status != BuildCompleted {
		t.Fatalf("expected build completed after eventual success, got %v", got.Status)
	}
	if got.Tasks["t1"].Status != TaskCompleted {
		t.Fatalf("expected task completed, got %v", got.Tasks["t1"].Status)
	}

	entries, err := led.GetByBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetByBuild: %v", err)
	}
	var taskCompleted []ledger.Entry
	for _, e := range entries {
		if e.Type == ledger.TypeTaskCompleted {
			taskCompleted = append(taskCompleted, e)
		}
	}
	if len(taskCompleted) != 3 {
		t.Fatalf("expected exactly 3 TaskCompleted entries, got %d", len(taskCompleted))
	}
	wantSuccess := []bool{false, false, true}
	for i, e := range taskCompleted {
		var payload ledger.TaskCompletedPayload
		if err := json.Unmarshal(e.Data, &payload); err != nil {
			t.Fatalf("unmarshal entry %d: %v", i, err)
		}
		if payload.TaskID != "t1" {
			t.Fatalf("entry %d: expected task_id t1, got %q", i, payload.TaskID)
		}
		if payload.Success != wantSuccess[i] {
			t.Fatalf("entry %d: expected success=%v, got %v", i, wantSuccess[i], payload.Success)
		}
	}
}

func TestMaxRetriesExceededFailsTask(t *testing.T) {
	s := newTestScheduler()
	s.RegisterWorker(mkWorker("w1", 1))

	b := &Build{ID: "b1", Tasks: map[string]*Task{"t1": {ID: "t1"}}}
	s.Submit(b)

	for i := 0; i < 3; i++ {
		s.Schedule()
		s.HandleResult(TaskResult{TaskID: "t1", WorkerID: "w1", Success: false})
	}

	got, _ := s.GetBuild("b1")
	if got.Tasks["t1"].Status != TaskFailed {
		t.Fatalf("expected task terminally failed after exceeding retries, got %v", got.Tasks["t1"].Status)
	}
	if got.Status != BuildFailed {
		t.Fatalf("expected build failed, got %v", got.Status)
	}
}

func TestNoEligibleWorkerLeavesTaskPending(t *testing.T) {
	s := newTestScheduler()
	s.RegisterWorker(mkWorker("w1", 1, "linux"))

	b := &Build{ID: "b1", Tasks: map[string]*Task{
		"t1": {ID: "t1", RequiredCapabilities: []string{"gpu"}},
	}}
	s.Submit(b)

	assignments := s.Schedule()
	if len(assignments) != 0 {
		t.Fatalf("expected no assignment without a capable worker, got %+v", assignments)
	}
	got, _ := s.GetBuild("b1")
	if got.Tasks["t1"].Status != TaskPending {
		t.Fatalf("expected task to remain pending, got %v", got.Tasks["t1"].Status)
	}
}

func TestFailWorkerReturnsTasksToPendingWithoutRetryPenalty(t *testing.T) {
	s := newTestScheduler()
	s.RegisterWorker(mkWorker("w1", 1))

	b := &Build{ID: "b1", Tasks: map[string]*Task{"t1": {ID: "t1"}}}
	s.Submit(b)
	s.Schedule()

	s.FailWorker("w1")

	got, _ := s.GetBuild("b1")
	task := got.Tasks["t1"]
	if task.Status != TaskPending {
		t.Fatalf("expected task back to pending after worker failure, got %v", task.Status)
	}
	if task.RetryCount != 0 {
		t.Fatalf("expected worker failure not to consume a retry, got retrycount=%d", task.RetryCount)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestCancelMarksNonTerminalTasksCancelled(t *testing.T) {
	s := newTestScheduler()
	s.RegisterWorker(mkWorker("w1", 2))

	b := &Build{ID: "b1", Tasks: map[string]*Task{
		"t1": {ID: "t1"},
		"t2": {ID: "t2", DependsOn: []string{"t1"}},
	}}
	s.Submit(b)
	s.Schedule()

	cancelled, err := s.Cancel("b1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected both tasks cancelled, got %v", cancelled)
	}

	got, _ := s.GetBuild("b1")
	if got.Status != BuildCancelled {
		t.Fatalf("expected build cancelled, got %v", got.Status)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestDetectCycleSelfLoop(t *testing.T) {
	tasks := map[string]*Task{
		"t1": {ID: "t1", DependsOn: []string{"t1"}},
	}
	if _, ok := detectCycle(tasks); !ok {
		t.Fatalf("expected self-loop to be detected as a cycle")
	}
}

func TestDetectCycleNoneOnDiamond(t *testing.T) {
	tasks := map[string]*Task{
		"a": {ID: "a"},
		"b": {ID: "b", DependsOn: []string{"a"}},
		"c": {ID: "c", DependsOn: []string{"a"}},
		"d": {ID: "d", DependsOn: []string{"b", "c"}},
	}
	if _, ok := detectCycle(tasks); ok {
		t.Fatalf("expected no cycle in a diamond dependency graph")
	}
}
