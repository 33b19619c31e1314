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

// Package scheduler implements BuildNet's dependency-ordered, priority-tiered
// task scheduler: build submission with DAG cycle detection, single-pass
// worker assignment, and completion/retry handling.
package scheduler

import (
	"time"

	"github.com/mattcburns/buildnet/internal/allocator"
)

// TaskStatus is a task's position in its state machine.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskAssigned
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskCancelled
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// BuildStatus is a build's position in its state machine.
type BuildStatus int

const (
	BuildPending BuildStatus = iota
	BuildRunning
	BuildCompleted
	BuildFailed
	BuildCancelled
)

// WorkerStatus is a worker's position in its state machine.
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerRunning
	WorkerDraining
	WorkerOffline
)

// Task is one unit of work within a Build's dependency DAG.
type Task struct {
	ID                   string
	BuildID              string
	Package              string
	Command              []string
	Cwd                  string
	Env                  map[string]string
	RequiredCapabilities []string
	Priority             allocator.Priority
	TimeoutSecs          int
	InputArtifacts       []string
	OutputPatterns       []string
	DependsOn            []string

	Status     TaskStatus
	RetryCount int
}

// Build is a submitted DAG of tasks against a set of packages.
type Build struct {
	ID          string
	Packages    []string
	Tasks       map[string]*Task
	Priority    allocator.Priority
	Status      BuildStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// readyTasks returns the tasks in b that are Pending and whose declared
// dependencies are all Completed.
func (b *Build) readyTasks() []*Task {
	var ready []*Task
	for _, t := range b.Tasks {
		if t.Status != TaskPending {
			continue
		}
		allDepsDone := true
		for _, depID := range t.DependsOn {
			dep, ok := b.Tasks[depID]
			if !ok || dep.Status != TaskCompleted {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, t)
		}
	}
	return ready
}

// allTerminal reports whether every task in b has reached a terminal
// state.
func (b *Build) allTerminal() bool {
	for _, t := range b.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// anyFailed reports whether any task in b ended in TaskFailed.
func (b *Build) anyFailed() bool {
	for _, t := range b.Tasks {
		if t.Status == TaskFailed {
			return true
		}
	}
	return false
}

// Worker is a cluster node offering task execution capacity.
type Worker struct {
	ID            string
	Address       string
	Status        WorkerStatus
	Capabilities  []string
	ActiveTasks   int
	MaxConcurrent int
	CPULoad       float64 // 0..1
	MemLoad       float64 // 0..1
	LastHeartbeat time.Time
}

// canAcceptTask reports whether w has spare concurrency and is not
// draining or offline.
func (w *Worker) canAcceptTask() bool {
	if w.Status == WorkerDraining || w.Status == WorkerOffline {
		return false
	}
	return w.ActiveTasks < w.MaxConcurrent
}

// hasCapabilities reports whether w's capability set is a superset of
// required.
func (w *Worker) hasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// loadFactor is the spec's weighted load score: 0.5 task-load +
// 0.3 cpu-load + 0.2 mem-load, clamped to [0,1].
func (w *Worker) loadFactor() float64 {
	taskLoad := 0.0
	if w.MaxConcurrent > 0 {
		taskLoad = float64(w.ActiveTasks) / float64(w.MaxConcurrent)
	}
	factor := 0.5*taskLoad + 0.3*w.CPULoad + 0.2*w.MemLoad
	if factor < 0 {
		return 0
	}
	if factor > 1 {
		return 1
	}
	return factor
}

// Assignment is one (task, worker) pairing produced by a Schedule pass.
type Assignment struct {
	TaskID   string
	WorkerID string
}

// TaskResult is the outcome a worker reports back for a task it ran.
type TaskResult struct {
	TaskID       string
	WorkerID     string
	Success      bool
	DurationMs   int64
	ArtifactHash string
	Error        string
}
