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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattcburns/buildnet/internal/allocator"
	"github.com/mattcburns/buildnet/internal/buildnetmetrics"
	"github.com/mattcburns/buildnet/internal/corerr"
	"github.com/mattcburns/buildnet/internal/ledger"
)

// tiers is the fixed iteration order for a schedule pass: Critical and
// High share a pool but are still iterated as declared priorities.
var tiers = []allocator.Priority{
	allocator.PriorityCritical,
	allocator.PriorityHigh,
	allocator.PriorityMedium,
	allocator.PriorityLow,
}

// Config controls scheduler-wide policy that isn't per-call.
type Config struct {
	MaxTaskRetries      int
	WorkStealingEnabled bool
}

// Scheduler is the dependency-aware, priority-tiered task dispatcher
// described in the component design. It owns no workers directly;
// workers are tracked by ID and mutated only under the scheduler's lock,
// matching the "no shared mutation" ownership rule.
type Scheduler struct {
	mu sync.Mutex

	cfg      Config
	selector WorkerSelector

	// buildOrder preserves submission order within each tier, since Go
	// maps don't iterate deterministically.
	buildOrder map[allocator.Priority][]string
	builds     map[string]*Build
	workers    map[string]*Worker

	// assignments maps taskID -> Assignment. Invariant (enforced by
	// construction, see CheckInvariants): sum(worker.ActiveTasks) ==
	// len(assignments).
	assignments map[string]Assignment

	// noAssignStreak counts consecutive schedule() passes in which a
	// worker had spare capacity but nothing assignable landed on it;
	// used to gate the narrow work-stealing opt-in.
	noAssignStreak map[string]int

	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Scheduler. ledger may be nil in tests that don't need
// to assert on emitted entries, though production callers always supply
// one.
func New(cfg Config, selector WorkerSelector, led *ledger.Ledger, logger *slog.Logger) *Scheduler {
	if selector == nil {
		selector = LeastLoadedSelector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:            cfg,
		selector:       selector,
		buildOrder:     make(map[allocator.Priority][]string),
		builds:         make(map[string]*Build),
		workers:        make(map[string]*Worker),
		assignments:    make(map[string]Assignment),
		noAssignStreak: make(map[string]int),
		ledger:         led,
		logger:         logger,
		now:            time.Now,
	}
}

// RegisterWorker adds or replaces a worker in the scheduler's view of the
// cluster's execution capacity.
func (s *Scheduler) RegisterWorker(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
}

// HeartbeatWorker updates a worker's load figures and heartbeat time.
func (s *Scheduler) HeartbeatWorker(id string, cpuLoad, memLoad float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		w.CPULoad = cpuLoad
		w.MemLoad = memLoad
		w.LastHeartbeat = s.now()
	}
}

// FailWorker marks a worker offline and returns its in-flight tasks to
// Pending without touching their retry counters, per the "worker fault
// != task fault" rule: a dead worker shouldn't burn a task's retry
// budget.
func (s *Scheduler) FailWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.Status = WorkerOffline
	w.ActiveTasks = 0

	for taskID, a := range s.assignments {
		if a.WorkerID != workerID {
			continue
		}
		delete(s.assignments, taskID)
		if b, t, ok := s.findTaskLocked(taskID); ok {
			_ = b
			t.Status = TaskPending
		}
	}
}

// Submit validates build's dependency DAG, assigns a build ID if absent
// (every task must already carry an ID), and enqueues it by priority
// tier in submission order. A cyclic DAG is
// rejected wholesale: no task ever reaches Pending in the registry when
// CycleDetected is returned.
func (s *Scheduler) Submit(b *Build) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	for _, t := range b.Tasks {
		if t.ID == "" {
			return "", fmt.Errorf("scheduler: task in build %s missing ID", b.ID)
		}
		t.BuildID = b.ID
	}

	if cycleAt, ok := detectCycle(b.Tasks); ok {
		return "", &corerr.CycleDetectedError{TaskID: cycleAt}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	b.Status = BuildRunning
	b.StartedAt = s.now()
	for _, t := range b.Tasks {
		t.Status = TaskPending
		t.RetryCount = 0
	}

	s.builds[b.ID] = b
	s.buildOrder[b.Priority] = append(s.buildOrder[b.Priority], b.ID)

	if s.ledger != nil {
		payload := ledger.BuildStartedPayload{Packages: b.Packages, Initiator: "scheduler"}
		_, _ = s.ledger.Append(context.Background(), ledger.TypeBuildStarted, b.ID, payload)
	}

	return b.ID, nil
}

// detectCycle runs a three-color DFS over tasks' DependsOn edges and
// returns the first task ID found to be part of a cycle.
func detectCycle(tasks map[string]*Task) (string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = gray
		task, ok := tasks[id]
		if ok {
			for _, dep := range task.DependsOn {
				switch color[dep] {
				case gray:
					return dep, true
				case white:
					if cyc, found := visit(dep); found {
						return cyc, true
					}
				}
			}
		}
		color[id] = black
		return "", false
	}

	for id := range tasks {
		if color[id] == white {
			if cyc, found := visit(id); found {
				return cyc, true
			}
		}
	}
	return "", false
}

// Schedule runs a single dispatch pass: for each tier from Critical down
// to Low, for each Running build in submission order, every ready task
// is matched against eligible, capacity-available workers and assigned.
// It returns the assignments made this pass.
func (s *Scheduler) Schedule() []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var made []Assignment

	for _, tier := range tiers {
		for _, buildID := range s.buildOrder[tier] {
			b, ok := s.builds[buildID]
			if !ok || b.Status != BuildRunning {
				continue
			}
			for _, task := range b.readyTasks() {
				w, ok := s.pickWorkerLocked(task)
				if !ok {
					continue
				}
				s.assignLocked(task, w)
				made = append(made, Assignment{TaskID: task.ID, WorkerID: w.ID})
			}
		}
	}

	s.updateStreaksLocked(made)
	return made
}

func (s *Scheduler) pickWorkerLocked(task *Task) (*Worker, bool) {
	var eligible []*Worker
	for _, w := range s.workers {
		if w.canAcceptTask() && w.hasCapabilities(task.RequiredCapabilities) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return nil, false
	}
	return s.selector.Select(eligible, task)
}

func (s *Scheduler) assignLocked(task *Task, w *Worker) {
	task.Status = TaskAssigned
	w.ActiveTasks++
	if w.Status == WorkerIdle {
		w.Status = WorkerRunning
	}
	s.assignments[task.ID] = Assignment{TaskID: task.ID, WorkerID: w.ID}

	if s.ledger != nil {
		payload := ledger.TaskAssignedPayload{TaskID: task.ID, WorkerID: w.ID, Package: task.Package}
		_, _ = s.ledger.Append(context.Background(), ledger.TypeTaskAssigned, task.BuildID, payload)
	}
}

// updateStreaksLocked tracks, per worker with spare capacity, how many
// consecutive passes produced no assignment for it. Used to gate work
// stealing eligibility (see steal.go); must be called with s.mu held.
func (s *Scheduler) updateStreaksLocked(made []Assignment) {
	assignedTo := make(map[string]bool, len(made))
	for _, a := range made {
		assignedTo[a.WorkerID] = true
	}
	for id, w := range s.workers {
		if !w.canAcceptTask() {
			delete(s.noAssignStreak, id)
			continue
		}
		if assignedTo[id] {
			s.noAssignStreak[id] = 0
		} else {
			s.noAssignStreak[id]++
		}
	}
}

// HandleResult records a worker-reported task outcome: on success it
// clears the retry counter and advances dependents; on failure it
// retries up to MaxTaskRetries before failing the task terminally. A
// BuildCompleted entry is always emitted before a build transitions to
// Completed or Failed.
func (s *Scheduler) HandleResult(result TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, task, ok := s.findTaskLocked(result.TaskID)
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", result.TaskID)
	}

	if w, ok := s.workers[result.WorkerID]; ok {
		w.ActiveTasks = saturatingSubInt(w.ActiveTasks, 1)
		if w.ActiveTasks == 0 && w.Status == WorkerRunning {
			w.Status = WorkerIdle
		}
	}
	delete(s.assignments, result.TaskID)

	if result.Success {
		task.Status = TaskCompleted
		task.RetryCount = 0
		s.emitTaskCompleted(task, result)
		buildnetmetrics.ObserveTaskCompletion("scheduler", buildnetmetrics.ResultSuccess, 0)
	} else {
		task.RetryCount++
		s.emitTaskCompleted(task, result)
		if task.RetryCount <= s.maxRetries() {
			task.Status = TaskPending
			buildnetmetrics.IncTaskRetry("scheduler")
		} else {
			task.Status = TaskFailed
			buildnetmetrics.ObserveTaskCompletion("scheduler", buildnetmetrics.ResultFailure, 0)
		}
	}

	s.maybeCompleteBuildLocked(b)
	return nil
}

func (s *Scheduler) emitTaskCompleted(task *Task, result TaskResult) {
	if s.ledger == nil {
		return
	}
	payload := ledger.TaskCompletedPayload{
		TaskID:       task.ID,
		WorkerID:     result.WorkerID,
		Success:      result.Success,
		DurationMs:   result.DurationMs,
		ArtifactHash: result.ArtifactHash,
	}
	_, _ = s.ledger.Append(context.Background(), ledger.TypeTaskCompleted, task.BuildID, payload)
}

func (s *Scheduler) maxRetries() int {
	if s.cfg.MaxTaskRetries < 0 {
		return 0
	}
	return s.cfg.MaxTaskRetries
}

func (s *Scheduler) maybeCompleteBuildLocked(b *Build) {
	if !b.allTerminal() {
		return
	}
	success := !b.anyFailed()
	b.CompletedAt = s.now()

	if s.ledger != nil {
		var artifacts []string
		for _, t := range b.Tasks {
			if t.Status == TaskCompleted {
				// Individual artifact hashes are recorded on TaskCompleted
				// entries; BuildCompleted aggregates are populated by the
				// caller wiring layer, which has visibility into the
				// cache. Left empty here deliberately.
				_ = t
			}
		}
		durationMs := int64(0)
		if !b.StartedAt.IsZero() {
			durationMs = b.CompletedAt.Sub(b.StartedAt).Milliseconds()
		}
		payload := ledger.BuildCompletedPayload{Success: success, DurationMs: durationMs, Artifacts: artifacts}
		_, _ = s.ledger.Append(context.Background(), ledger.TypeBuildCompleted, b.ID, payload)
	}

	if success {
		b.Status = BuildCompleted
	} else {
		b.Status = BuildFailed
	}
}

// Cancel marks build, and every non-terminal task within it, Cancelled.
// Assignments for cancelled tasks are dropped; it is the caller's
// responsibility to notify the affected workers over the wire (see
// wire.go's CancelTask message).
func (s *Scheduler) Cancel(buildID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[buildID]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown build %s", buildID)
	}

	var cancelledTaskIDs []string
	for _, t := range b.Tasks {
		if t.Status.Terminal() {
			continue
		}
		if a, assigned := s.assignments[t.ID]; assigned {
			if w, ok := s.workers[a.WorkerID]; ok {
				w.ActiveTasks = saturatingSubInt(w.ActiveTasks, 1)
			}
			delete(s.assignments, t.ID)
		}
		t.Status = TaskCancelled
		cancelledTaskIDs = append(cancelledTaskIDs, t.ID)
	}
	b.Status = BuildCancelled
	b.CompletedAt = s.now()

	return cancelledTaskIDs, nil
}

// ExpireTimeouts scans every Running task whose TimeoutSecs has elapsed
// since assignment and treats it identically to cancellation plus a
// failure record, per the ordering guarantees section. assignedAt
// supplies each task's assignment timestamp (tracked by the wiring layer
// since Task itself doesn't carry one).
func (s *Scheduler) ExpireTimeouts(assignedAt map[string]time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	now := s.now()
	for taskID, at := range assignedAt {
		b, task, ok := s.findTaskLocked(taskID)
		if !ok || task.Status.Terminal() || task.TimeoutSecs <= 0 {
			continue
		}
		if now.Sub(at) < time.Duration(task.TimeoutSecs)*time.Second {
			continue
		}
		if a, assigned := s.assignments[taskID]; assigned {
			if w, ok := s.workers[a.WorkerID]; ok {
				w.ActiveTasks = saturatingSubInt(w.ActiveTasks, 1)
			}
			delete(s.assignments, taskID)
		}
		task.Status = TaskFailed
		task.RetryCount++
		expired = append(expired, taskID)
		s.maybeCompleteBuildLocked(b)
	}
	return expired
}

func (s *Scheduler) findTaskLocked(taskID string) (*Build, *Task, bool) {
	for _, b := range s.builds {
		if t, ok := b.Tasks[taskID]; ok {
			return b, t, true
		}
	}
	return nil, nil, false
}

// GetBuild returns a snapshot pointer to a submitted build.
func (s *Scheduler) GetBuild(buildID string) (*Build, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[buildID]
	return b, ok
}

// AssignedCount returns the number of live assignments, used by tests to
// assert the sum(worker.ActiveTasks) == len(assignments) invariant.
func (s *Scheduler) AssignedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assignments)
}

// CheckInvariants verifies sum(worker.ActiveTasks) == len(assignments) at
// a quiescent point, per the ordering guarantees section.
func (s *Scheduler) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := 0
	for _, w := range s.workers {
		sum += w.ActiveTasks
	}
	if sum != len(s.assignments) {
		return fmt.Errorf("scheduler: invariant violated: sum(worker.ActiveTasks)=%d != len(assignments)=%d", sum, len(s.assignments))
	}
	return nil
}

func saturatingSubInt(a, b int) int {
	if a < b {
		return 0
	}
	return a - b
}
