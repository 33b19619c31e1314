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

import "testing"

func TestStealWorkDisabledByDefault(t *testing.T) {
	s := newTestScheduler()
	s.RegisterWorker(mkWorker("w1", 1))
	s.RegisterWorker(mkWorker("w2", 1))

	b := &Build{ID: "b1", Tasks: map[string]*Task{"t1": {ID: "t1"}}}
	s.Submit(b)
	s.Schedule() // t1 lands on one of the workers

	if _, ok := s.StealWork("w2"); ok {
		t.Fatalf("expected work stealing to be a no-op when disabled")
	}
}

func TestStealWorkPullsUnassignedReadyTask(t *testing.T) {
	s := New(Config{MaxTaskRetries: 1, WorkStealingEnabled: true}, LeastLoadedSelector{}, nil, nil)
	thief := mkWorker("thief", 1)
	s.RegisterWorker(thief)

	b := &Build{ID: "b1", Tasks: map[string]*Task{"t1": {ID: "t1"}}}
	s.Submit(b)

	// Simulate the thief having gone stealEligibleStreak passes with
	// spare capacity but no assignment, without racing a real Schedule()
	// pass (which would simply assign t1 to it directly, masking the
	// steal path this test targets).
	s.mu.Lock()
	s.noAssignStreak["thief"] = stealEligibleStreak
	s.mu.Unlock()

	a, ok := s.StealWork("thief")
	if !ok {
		t.Fatalf("expected steal to succeed once eligible")
	}
	if a.TaskID != "t1" || a.WorkerID != "thief" {
		t.Fatalf("unexpected steal assignment: %+v", a)
	}
}
