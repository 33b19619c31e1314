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

package cluster

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattcburns/buildnet/internal/ledger"
)

// Checkpoint is a lightweight marker recording how far the leader's
// ledger had advanced at a point in time, so a newly elected leader can
// report a resumption point to followers. It intentionally does not
// capture a full state snapshot: full state replication across nodes is
// out of scope for this core.
type Checkpoint struct {
	ID           string
	CreatedAt    time.Time
	LedgerCursor int64
	ClusterTerm  uint64
	SizeBytes    int64
}

// CheckpointPersister durably stores checkpoint markers created by a
// CheckpointStore, backing SPEC_FULL.md §6's ledger_checkpoints table.
// *ledger.SQLStore implements it.
type CheckpointPersister interface {
	SaveCheckpoint(ctx context.Context, rec ledger.CheckpointRecord) error
}

// CheckpointStore keeps the most recent checkpoints in memory, bounded
// by maxRetained, and optionally mirrors every Create to a durable
// CheckpointPersister so markers survive a restart.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints []Checkpoint
	maxRetained int
	now         func() time.Time
	persister   CheckpointPersister
	logger      *slog.Logger
}

// NewCheckpointStore creates a CheckpointStore retaining at most
// maxRetained checkpoints. A nil logger falls back to slog.Default().
func NewCheckpointStore(maxRetained int, logger *slog.Logger) *CheckpointStore {
	if maxRetained <= 0 {
		maxRetained = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointStore{
		maxRetained: maxRetained,
		now:         time.Now,
		logger:      logger,
	}
}

// WithPersister attaches a durable backing store. Checkpoints created
// afterward are saved there in addition to the in-memory list; a save
// failure is logged and swallowed, matching the core's best-effort
// policy for non-critical durability writes (cf. cache touch failures).
func (s *CheckpointStore) WithPersister(p CheckpointPersister) *CheckpointStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
	return s
}

// Create records a new checkpoint at the given ledger cursor and term.
func (s *CheckpointStore) Create(ctx context.Context, ledgerCursor int64, clusterTerm uint64, sizeBytes int64) Checkpoint {
	cp := Checkpoint{
		ID:           uuid.NewString(),
		CreatedAt:    s.now(),
		LedgerCursor: ledgerCursor,
		ClusterTerm:  clusterTerm,
		SizeBytes:    sizeBytes,
	}

	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, cp)
	sort.Slice(s.checkpoints, func(i, j int) bool {
		return s.checkpoints[i].CreatedAt.Before(s.checkpoints[j].CreatedAt)
	})
	if len(s.checkpoints) > s.maxRetained {
		s.checkpoints = s.checkpoints[len(s.checkpoints)-s.maxRetained:]
	}
	persister := s.persister
	s.mu.Unlock()

	if persister != nil {
		rec := ledger.CheckpointRecord{
			ID:           cp.ID,
			CreatedAt:    cp.CreatedAt,
			LedgerCursor: cp.LedgerCursor,
			ClusterTerm:  cp.ClusterTerm,
			SizeBytes:    cp.SizeBytes,
		}
		if err := persister.SaveCheckpoint(ctx, rec); err != nil {
			s.logger.Warn("checkpoint persist failed", "checkpoint_id", cp.ID, "error", err)
		}
	}

	return cp
}

// Latest returns the most recently created checkpoint, if any.
func (s *CheckpointStore) Latest() (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.checkpoints[len(s.checkpoints)-1], true
}

// All returns every retained checkpoint, oldest first.
func (s *CheckpointStore) All() []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Checkpoint, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out
}
