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

package allocator

import (
	"testing"
	"time"
)

func TestRequestGrantedWithinCapacity(t *testing.T) {
	a := New(Capacity{High: 1, Normal: 1, Low: 1}, nil)

	result := a.Request(Request{BuildID: "b1", Priority: PriorityHigh})
	if result.Status != StatusGranted {
		t.Fatalf("expected granted, got %v", result.Status)
	}
	if err := a.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestRequestQueuedPastCapacity(t *testing.T) {
	a := New(Capacity{High: 1}, nil)

	first := a.Request(Request{BuildID: "b1", Priority: PriorityHigh})
	if first.Status != StatusGranted {
		t.Fatalf("expected first request granted, got %v", first.Status)
	}

	second := a.Request(Request{BuildID: "b2", Priority: PriorityHigh})
	if second.Status != StatusQueued {
		t.Fatalf("expected second request queued, got %v", second.Status)
	}
	if second.Position != 1 {
		t.Fatalf("expected queue position 1, got %d", second.Position)
	}
	if second.EstimatedWaitSecs != 0 {
		t.Fatalf("expected zero wait for first-in-queue, got %d", second.EstimatedWaitSecs)
	}
}

func TestReleasePromotesQueuedRequest(t *testing.T) {
	a := New(Capacity{High: 1}, nil)

	granted := a.Request(Request{BuildID: "b1", Priority: PriorityHigh})
	queued := a.Request(Request{BuildID: "b2", Priority: PriorityHigh})
	if queued.Status != StatusQueued {
		t.Fatalf("expected b2 queued")
	}

	if _, ok := a.Release(granted.Allocation.ID); !ok {
		t.Fatalf("expected release to succeed")
	}

	status := a.Status()
	if status.ActiveHigh != 1 {
		t.Fatalf("expected promoted request to occupy the freed slot, active=%d", status.ActiveHigh)
	}
	if status.QueuedHigh != 0 {
		t.Fatalf("expected queue drained after promotion, queued=%d", status.QueuedHigh)
	}
}

func TestCriticalAndHighShareTier(t *testing.T) {
	a := New(Capacity{High: 1}, nil)

	first := a.Request(Request{BuildID: "b1", Priority: PriorityCritical})
	if first.Status != StatusGranted {
		t.Fatalf("expected critical request granted")
	}

	second := a.Request(Request{BuildID: "b2", Priority: PriorityHigh})
	if second.Status != StatusQueued {
		t.Fatalf("expected high request to queue behind critical in the shared pool, got %v", second.Status)
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	a := New(Capacity{Low: 0}, nil)

	result := a.Request(Request{ID: "r1", BuildID: "b1", Priority: PriorityLow})
	if result.Status != StatusQueued {
		t.Fatalf("expected queued, got %v", result.Status)
	}
	if !a.CancelRequest("r1") {
		t.Fatalf("expected cancel to find the queued request")
	}
	if a.CancelRequest("r1") {
		t.Fatalf("expected second cancel to report not found")
	}
}

func TestReleaseExpiredReleasesOnlyPastBuffer(t *testing.T) {
	a := New(Capacity{High: 5}, nil)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	short := a.Request(Request{BuildID: "b1", Priority: PriorityHigh, EstimatedDurationMs: 1000})
	long := a.Request(Request{BuildID: "b2", Priority: PriorityHigh, EstimatedDurationMs: 1000 * 60 * 60})
	unbounded := a.Request(Request{BuildID: "b3", Priority: PriorityHigh})

	a.now = func() time.Time { return fixed.Add(5 * time.Second) }
	released := a.ReleaseExpired()

	if len(released) != 1 || released[0].ID != short.Allocation.ID {
		t.Fatalf("expected only the short allocation to expire, got %+v", released)
	}
	if _, ok := a.GetAllocation(long.Allocation.ID); !ok {
		t.Fatalf("expected long-running allocation to remain active")
	}
	if _, ok := a.GetAllocation(unbounded.Allocation.ID); !ok {
		t.Fatalf("expected unbounded allocation to never expire")
	}
}

func TestInvariantNeverExceedsCapacityUnderLoad(t *testing.T) {
	a := New(Capacity{High: 2, Normal: 2, Low: 2}, nil)

	for i := 0; i < 10; i++ {
		a.Request(Request{BuildID: "b", Priority: PriorityHigh})
		a.Request(Request{BuildID: "b", Priority: PriorityMedium})
		a.Request(Request{BuildID: "b", Priority: PriorityLow})
		if err := a.CheckInvariants(); err != nil {
			t.Fatalf("invariant violated at iteration %d: %v", i, err)
		}
	}

	status := a.Status()
	if status.ActiveHigh != 2 || status.QueuedHigh != 8 {
		t.Fatalf("expected 2 active / 8 queued in high tier, got active=%d queued=%d", status.ActiveHigh, status.QueuedHigh)
	}
}

func TestStatusUtilization(t *testing.T) {
	a := New(Capacity{High: 2, Normal: 2, Low: 2}, nil)
	a.Request(Request{BuildID: "b1", Priority: PriorityHigh})
	a.Request(Request{BuildID: "b2", Priority: PriorityHigh})

	status := a.Status()
	if got := status.UtilizationPercent(); got < 33.0 || got > 34.0 {
		t.Fatalf("expected ~33%% utilization, got %v", got)
	}
}
