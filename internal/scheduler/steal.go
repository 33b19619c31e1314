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

// stealEligibleStreak is how many consecutive schedule() passes a worker
// must have gone without receiving an assignment, despite having spare
// capacity, before it becomes eligible to steal. The source's
// steal_work is an unspecified stub; this is the narrow, opt-in
// reimplementation described in the design notes.
const stealEligibleStreak = 2

// StealWork lets an idle worker with spare capacity pull one Pending,
// ready, capability-matching task that no worker holds yet, taken
// straight from the scheduler's build queues (workers keep no backlogs
// of their own), when the scheduler's normal schedule() pass has found
// nothing assignable to it in the last two passes. It
// never touches Assigned or Running work — only tasks that are still
// Pending and ready are eligible, so stealing can't preempt in-flight
// execution. Disabled unless cfg.WorkStealingEnabled is set by the
// caller's wiring layer.
func (s *Scheduler) StealWork(workerID string) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.WorkStealingEnabled {
		return Assignment{}, false
	}

	thief, ok := s.workers[workerID]
	if !ok || !thief.canAcceptTask() {
		return Assignment{}, false
	}
	if s.noAssignStreak[workerID] < stealEligibleStreak {
		return Assignment{}, false
	}

	for _, tier := range tiers {
		for _, buildID := range s.buildOrder[tier] {
			b, ok := s.builds[buildID]
			if !ok || b.Status != BuildRunning {
				continue
			}
			for _, task := range b.readyTasks() {
				if _, assigned := s.assignments[task.ID]; assigned {
					continue
				}
				if !thief.hasCapabilities(task.RequiredCapabilities) {
					continue
				}
				s.assignLocked(task, thief)
				s.noAssignStreak[workerID] = 0
				return Assignment{TaskID: task.ID, WorkerID: thief.ID}, true
			}
		}
	}
	return Assignment{}, false
}
