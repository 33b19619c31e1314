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

package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mattcburns/buildnet/pkg/crypto"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	signer, err := crypto.NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	l, err := Open(context.Background(), NewMemStore(), signer, "node1", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestAppendChainsPrevHash(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	e1, err := l.Append(ctx, TypeNodeJoined, "", NodeJoinedPayload{NodeID: "node1", Address: "10.0.0.1:7000"})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if e1.PrevHash != genesisPrevHash {
		t.Fatalf("expected genesis prev-hash, got %q", e1.PrevHash)
	}

	e2, err := l.Append(ctx, TypeBuildStarted, "build-1", BuildStartedPayload{Packages: []string{"a", "b"}, Initiator: "ci"})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if e2.PrevHash != e1.Hash() {
		t.Fatalf("expected entry 2's prev-hash to equal entry 1's hash, got %q vs %q", e2.PrevHash, e1.Hash())
	}

	e3, err := l.Append(ctx, TypeBuildCompleted, "build-1", BuildCompletedPayload{Success: true, DurationMs: 1200})
	if err != nil {
		t.Fatalf("append 3: %v", err)
	}
	if e3.PrevHash != e2.Hash() {
		t.Fatalf("chain broken at entry 3")
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	store := NewMemStore()
	l, err := Open(ctx, store, signer, "node1", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := l.Append(ctx, TypeNodeJoined, "", NodeJoinedPayload{NodeID: "node1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	e2, err := l.Append(ctx, TypeNodeJoined, "", NodeJoinedPayload{NodeID: "node2"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	keys := map[string][]byte{"node1": signer.PublicKey()}
	_, ok, err := l.VerifyChain(ctx, keys)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !ok {
		t.Fatalf("expected untampered chain to verify")
	}

	tampered := e2
	tampered.PrevHash = "not-the-real-prev-hash"
	store.entries[tampered.ID] = tampered

	brokenAt, ok, err := l.VerifyChain(ctx, keys)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered chain to fail verification")
	}
	if brokenAt != tampered.ID {
		t.Fatalf("expected break reported at %s, got %s", tampered.ID, brokenAt)
	}
}

func TestMerkleRootAndInclusionProof(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	var entries []Entry
	for i := 0; i < 5; i++ {
		e, err := l.Append(ctx, TypeTaskCompleted, "build-1", TaskCompletedPayload{TaskID: "t", Success: true})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		entries = append(entries, e)
	}

	root := l.Root()
	if root == "" {
		t.Fatalf("expected non-empty root after appends")
	}

	for _, e := range entries {
		proof, ok := l.Prove(e.Hash())
		if !ok {
			t.Fatalf("expected inclusion proof for %s", e.ID)
		}
		if !VerifyProof(proof, root) {
			t.Fatalf("proof for %s did not verify against root", e.ID)
		}
	}

	if _, ok := l.Prove("0000"); ok {
		t.Fatalf("expected no proof for a hash never appended")
	}
}

func TestMerkleTreeEmptyAndSingleLeaf(t *testing.T) {
	empty := NewMerkleTree(nil)
	if empty.Root() != "" {
		t.Fatalf("expected empty root for empty tree")
	}

	single := NewMerkleTree([]string{"deadbeef"})
	proof, ok := single.Prove("deadbeef")
	if !ok {
		t.Fatalf("expected proof for single-leaf tree")
	}
	if len(proof.Siblings) != 0 {
		t.Fatalf("expected no siblings for a single-leaf tree, got %d", len(proof.Siblings))
	}
	if !VerifyProof(proof, single.Root()) {
		t.Fatalf("single-leaf proof failed to verify")
	}
}

// TestRetryThenSucceedRecordsAllAttempts mirrors the retry-then-succeed
// scenario: a task fails twice before completing, and the ledger must
// retain all three TaskCompleted entries in order rather than
// overwriting earlier attempts.
func TestRetryThenSucceedRecordsAllAttempts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	const taskID = "task-42"
	outcomes := []bool{false, false, true}
	for _, success := range outcomes {
		if _, err := l.Append(ctx, TypeTaskCompleted, "build-1", TaskCompletedPayload{
			TaskID:   taskID,
			WorkerID: "worker-1",
			Success:  success,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := l.GetByBuild(ctx, "build-1")
	if err != nil {
		t.Fatalf("GetByBuild: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(entries))
	}
	for i, want := range outcomes {
		var payload TaskCompletedPayload
		if err := json.Unmarshal(entries[i].Data, &payload); err != nil {
			t.Fatalf("unmarshal entry %d: %v", i, err)
		}
		if payload.Success != want {
			t.Fatalf("entry %d: expected success=%v, got %v", i, want, payload.Success)
		}
	}
}

func TestPruneBeforeRemovesOldEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	if _, err := l.Append(ctx, TypeNodeJoined, "", NodeJoinedPayload{NodeID: "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	l.now = func() time.Time { return fixed.Add(24 * time.Hour) }
	if _, err := l.Append(ctx, TypeNodeJoined, "", NodeJoinedPayload{NodeID: "new"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	removed, err := l.PruneBefore(ctx, fixed.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}

	remaining, err := l.GetRecent(ctx, 0)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", len(remaining))
	}
}
