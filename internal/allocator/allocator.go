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

// Package allocator implements priority-tiered admission control for
// builds: bounded concurrency per tier, FIFO queueing past capacity,
// and auto-release of allocations that outlive their estimated
// duration.
package allocator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattcburns/buildnet/internal/buildnetmetrics"
)

// Priority is a build or task's scheduling priority. Critical and High
// share the same capacity pool; Medium and Low each have their own.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// tier maps a Priority onto one of the allocator's three capacity pools.
type tier int

const (
	tierHigh tier = iota
	tierNormal
	tierLow
)

func (t tier) String() string {
	switch t {
	case tierHigh:
		return "high"
	case tierNormal:
		return "normal"
	case tierLow:
		return "low"
	default:
		return "unknown"
	}
}

func tierFor(p Priority) tier {
	switch p {
	case PriorityCritical, PriorityHigh:
		return tierHigh
	case PriorityMedium:
		return tierNormal
	default:
		return tierLow
	}
}

// Capacity is the per-tier concurrency limit.
type Capacity struct {
	High   int
	Normal int
	Low    int
}

func (c Capacity) forTier(t tier) int {
	switch t {
	case tierHigh:
		return c.High
	case tierNormal:
		return c.Normal
	default:
		return c.Low
	}
}

// Request is a pending ask for allocator capacity.
type Request struct {
	ID                  string
	BuildID             string
	Package             string
	Priority            Priority
	EstimatedDurationMs int64 // 0 means unknown; allocation never expires
	RequestedAt         time.Time
}

// Allocation is capacity granted to a Request.
type Allocation struct {
	ID          string
	RequestID   string
	BuildID     string
	Priority    Priority
	AllocatedAt time.Time
	ExpiresAt   time.Time // zero means it never auto-expires
}

// ResultStatus distinguishes the three outcomes of a Request call.
type ResultStatus int

const (
	StatusGranted ResultStatus = iota
	StatusQueued
	StatusRejected
)

// Result is the outcome of an allocation request.
type Result struct {
	Status            ResultStatus
	Allocation        Allocation
	Position          int
	EstimatedWaitSecs int64
	Reason            string
}

// Status is a point-in-time snapshot of the allocator's tiers.
type Status struct {
	ActiveHigh, MaxHigh, QueuedHigh       int
	ActiveNormal, MaxNormal, QueuedNormal int
	ActiveLow, MaxLow, QueuedLow          int
	TotalAllocations                      int
}

func (s Status) TotalActive() int {
	return s.ActiveHigh + s.ActiveNormal + s.ActiveLow
}

func (s Status) TotalQueued() int {
	return s.QueuedHigh + s.QueuedNormal + s.QueuedLow
}

func (s Status) TotalCapacity() int {
	return s.MaxHigh + s.MaxNormal + s.MaxLow
}

func (s Status) UtilizationPercent() float64 {
	capacity := s.TotalCapacity()
	if capacity <= 0 {
		return 0
	}
	return float64(s.TotalActive()) / float64(capacity) * 100
}

// waitPerQueuedItem is the allocator's naive ETA unit: every item ahead
// in a tier's queue adds this much to the estimate.
const waitPerQueuedItem = 30 * time.Second

// Allocator is the priority-tiered admission controller. All mutation
// happens under a single mutex; the tiers are small enough in practice
// that lock contention isn't a concern.
type Allocator struct {
	mu sync.Mutex

	capacity Capacity
	active   map[tier]int
	queues   map[tier][]Request
	allocs   map[string]Allocation
	now      func() time.Time
	logger   *slog.Logger
}

// New builds an Allocator with the given per-tier capacities. A nil
// logger falls back to slog.Default(), matching the teacher's
// database.DB construction.
func New(capacity Capacity, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		capacity: capacity,
		active:   make(map[tier]int),
		queues:   make(map[tier][]Request),
		allocs:   make(map[string]Allocation),
		now:      time.Now,
		logger:   logger,
	}
}

// Request attempts to admit req immediately; if its tier is at
// capacity, req is appended to that tier's FIFO queue instead.
func (a *Allocator) Request(req Request) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = a.now()
	}

	t := tierFor(req.Priority)

	if a.canAllocateLocked(t) {
		alloc := a.doAllocateLocked(req, t)
		a.logger.Info("allocation granted", "request_id", req.ID, "build_id", req.BuildID, "tier", t, "priority", req.Priority)
		return Result{Status: StatusGranted, Allocation: alloc}
	}

	a.queues[t] = append(a.queues[t], req)
	position := len(a.queues[t])
	buildnetmetrics.SetAllocatorQueueLength(t.String(), float64(position))

	a.logger.Info("allocation queued", "request_id", req.ID, "build_id", req.BuildID, "tier", t, "position", position)

	return Result{
		Status:            StatusQueued,
		Position:          position,
		EstimatedWaitSecs: int64(waitPerQueuedItem.Seconds()) * int64(position-1),
	}
}

func (a *Allocator) canAllocateLocked(t tier) bool {
	return a.active[t] < a.capacity.forTier(t)
}

func (a *Allocator) doAllocateLocked(req Request, t tier) Allocation {
	a.active[t]++

	alloc := Allocation{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		BuildID:     req.BuildID,
		Priority:    req.Priority,
		AllocatedAt: a.now(),
	}
	if req.EstimatedDurationMs > 0 {
		// 2x buffer on the estimate before an allocation is considered
		// stuck and auto-released.
		buffer := time.Duration(req.EstimatedDurationMs) * time.Millisecond * 2
		alloc.ExpiresAt = alloc.AllocatedAt.Add(buffer)
	}

	a.allocs[alloc.ID] = alloc
	return alloc
}

// Release frees allocationID's capacity, decrementing its tier's active
// count (saturating at zero) and promoting queued requests while
// capacity remains. Promotion may cascade across multiple requests.
func (a *Allocator) Release(allocationID string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocs[allocationID]
	if !ok {
		return Allocation{}, false
	}
	delete(a.allocs, allocationID)

	t := tierFor(alloc.Priority)
	a.active[t] = saturatingSub(a.active[t], 1)

	promoted := 0
	for a.canAllocateLocked(t) && len(a.queues[t]) > 0 {
		next := a.queues[t][0]
		a.queues[t] = a.queues[t][1:]
		a.doAllocateLocked(next, t)
		promoted++
	}
	buildnetmetrics.SetAllocatorQueueLength(t.String(), float64(len(a.queues[t])))

	a.logger.Info("allocation released", "allocation_id", allocationID, "tier", t, "promoted", promoted)

	return alloc, true
}

func saturatingSub(a, b int) int {
	if a < b {
		return 0
	}
	return a - b
}

// CancelRequest removes a still-queued request by ID, reporting whether
// it was found.
func (a *Allocator) CancelRequest(requestID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for t, queue := range a.queues {
		for i, r := range queue {
			if r.ID == requestID {
				a.queues[t] = append(queue[:i], queue[i+1:]...)
				return true
			}
		}
	}
	return false
}

// GetAllocation returns the allocation with the given ID, if active.
func (a *Allocator) GetAllocation(id string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocs[id]
	return alloc, ok
}

// AllAllocations returns every currently active allocation.
func (a *Allocator) AllAllocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Allocation, 0, len(a.allocs))
	for _, alloc := range a.allocs {
		out = append(out, alloc)
	}
	return out
}

// ReleaseExpired releases every allocation whose expiry has passed and
// returns the ones it released.
func (a *Allocator) ReleaseExpired() []Allocation {
	a.mu.Lock()
	now := a.now()
	var expiredIDs []string
	for id, alloc := range a.allocs {
		if !alloc.ExpiresAt.IsZero() && alloc.ExpiresAt.Before(now) {
			expiredIDs = append(expiredIDs, id)
		}
	}
	a.mu.Unlock()

	released := make([]Allocation, 0, len(expiredIDs))
	for _, id := range expiredIDs {
		if alloc, ok := a.Release(id); ok {
			released = append(released, alloc)
		}
	}
	return released
}

// Status reports a snapshot of every tier's active/capacity/queued
// counts.
func (a *Allocator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		ActiveHigh:       a.active[tierHigh],
		MaxHigh:          a.capacity.High,
		QueuedHigh:       len(a.queues[tierHigh]),
		ActiveNormal:     a.active[tierNormal],
		MaxNormal:        a.capacity.Normal,
		QueuedNormal:     len(a.queues[tierNormal]),
		ActiveLow:        a.active[tierLow],
		MaxLow:           a.capacity.Low,
		QueuedLow:        len(a.queues[tierLow]),
		TotalAllocations: len(a.allocs),
	}
}

// invariantError is returned by CheckInvariants when a tier's active
// count exceeds its configured capacity.
type invariantError struct {
	tier     tier
	active   int
	capacity int
}

func (e *invariantError) Error() string {
	return fmt.Sprintf("allocator: tier %s active=%d exceeds capacity=%d", e.tier, e.active, e.capacity)
}

// CheckInvariants verifies active[tier] <= capacity[tier] for every
// tier; used by tests to assert the allocator never over-admits.
func (a *Allocator) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range []tier{tierHigh, tierNormal, tierLow} {
		if a.active[t] > a.capacity.forTier(t) {
			return &invariantError{tier: t, active: a.active[t], capacity: a.capacity.forTier(t)}
		}
	}
	return nil
}
