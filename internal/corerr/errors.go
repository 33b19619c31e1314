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

// Package corerr defines the error kinds shared across BuildNet's core
// components, so callers can use errors.Is/errors.As instead of string
// matching.
package corerr

import (
	"errors"
	"fmt"
)

// Sentinel errors checked with errors.Is.
var (
	// ErrNoEligibleWorker means a ready task exists but no worker
	// matches its required capabilities. Surfaced as a scheduling
	// status, not treated as a hard failure.
	ErrNoEligibleWorker = errors.New("no eligible worker for task")

	// ErrQuorumLost means an election cannot proceed because the
	// healthy node count fell below the configured quorum.
	ErrQuorumLost = errors.New("quorum lost")

	// ErrRateLimited means an election or action exceeded its cooldown
	// or hourly cap.
	ErrRateLimited = errors.New("rate limited")

	// ErrStorageError wraps a recoverable persistence failure.
	ErrStorageError = errors.New("storage error")

	// ErrTimeout means a task exceeded its declared timeout.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is a generic not-found sentinel for ledger/store
	// lookups that don't warrant a typed error.
	ErrNotFound = errors.New("not found")

	// ErrElectionInProgress means a new election was requested while
	// one is already running.
	ErrElectionInProgress = errors.New("election already in progress")
)

// ArtifactNotFoundError is returned when restore is attempted against a
// hash that has no stored artifact.
type ArtifactNotFoundError struct {
	Hash string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s", e.Hash)
}

// HashMismatchError is returned when on-disk bytes no longer hash to the
// value their sidecar claims. Always fatal: the artifact must be evicted.
type HashMismatchError struct {
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// CycleDetectedError is returned when a build's dependency graph contains
// a cycle reachable from TaskID.
type CycleDetectedError struct {
	TaskID string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected involving task %s", e.TaskID)
}

// StorageError wraps an underlying persistence error with the operation
// that failed, so callers can retry with context.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageError
}
