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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattcburns/buildnet/internal/buildnetmetrics"
	"github.com/mattcburns/buildnet/pkg/crypto"
)

// genesisPrevHash is the prev-hash value for a node's first-ever entry.
const genesisPrevHash = ""

// Ledger wires a Store with an Ed25519 Signer and an in-memory Merkle
// tree rebuilt over the entry hash sequence. It is the only place that
// assigns prev-hash and signs an entry; Store implementations never do.
type Ledger struct {
	mu         sync.Mutex
	store      Store
	signer     *crypto.Signer
	nodeID     string
	lastHash   string
	hasLast    bool
	tree       *MerkleTree
	treeHashes []string
	now        func() time.Time
	logger     *slog.Logger
}

// Open constructs a Ledger around store, signing new entries with signer
// and attributing them to nodeID. It rebuilds the Merkle tree and
// chain-tip from whatever the store already holds, so a restarted node
// picks the chain back up where it left off. A nil logger falls back to
// slog.Default(), matching the teacher's database.DB construction.
func Open(ctx context.Context, store Store, signer *crypto.Signer, nodeID string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  store,
		signer: signer,
		nodeID: nodeID,
		now:    time.Now,
		logger: logger,
	}

	hashes, err := store.AllHashesInOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load existing chain: %w", err)
	}
	l.treeHashes = hashes
	l.tree = NewMerkleTree(hashes)
	if len(hashes) > 0 {
		l.lastHash = hashes[len(hashes)-1]
		l.hasLast = true
	}
	logger.Info("ledger opened", "node_id", nodeID, "entry_count", len(hashes))
	return l, nil
}

// Append assigns entryType's prev-hash to the current chain tip, signs
// the entry with the ledger's signer, persists it, and folds its hash
// into the Merkle tree. The returned Entry carries its assigned ID,
// PrevHash, and Signature.
func (l *Ledger) Append(ctx context.Context, entryType EntryType, buildID string, payload interface{}) (Entry, error) {
	data, err := MarshalPayload(payload)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := genesisPrevHash
	if l.hasLast {
		prevHash = l.lastHash
	}

	entry := Entry{
		ID:         uuid.NewString(),
		Type:       entryType,
		OriginNode: l.nodeID,
		BuildID:    buildID,
		Timestamp:  l.now().UTC(),
		PrevHash:   prevHash,
		Data:       data,
	}

	digest := entry.Hash()
	entry.Signature = l.signer.Sign([]byte(digest))

	if err := l.store.Append(ctx, entry); err != nil {
		l.logger.Error("ledger append failed", "entry_type", entryType, "build_id", buildID, "error", err)
		return Entry{}, fmt.Errorf("ledger: append: %w", err)
	}

	l.lastHash = digest
	l.hasLast = true
	l.treeHashes = append(l.treeHashes, digest)
	l.tree = NewMerkleTree(l.treeHashes)

	l.logger.Info("ledger entry appended", "entry_id", entry.ID, "entry_type", entryType, "build_id", buildID)
	buildnetmetrics.IncLedgerAppend(string(entryType))

	return entry, nil
}

// VerifyChain recomputes every entry's hash and checks it against the
// next entry's prev-hash, and verifies every signature against
// publicKeys (keyed by origin node). It returns the first broken link's
// entry ID, if any.
func (l *Ledger) VerifyChain(ctx context.Context, publicKeys map[string][]byte) (brokenAt string, ok bool, err error) {
	entries, err := l.store.GetRecent(ctx, 0)
	if err != nil {
		return "", false, fmt.Errorf("ledger: load chain: %w", err)
	}
	// GetRecent returns newest-first; verification wants append order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	prevHash := genesisPrevHash
	for _, e := range entries {
		if e.PrevHash != prevHash {
			l.logger.Error("ledger chain broken", "entry_id", e.ID)
			return e.ID, false, nil
		}
		digest := e.Hash()
		if pub, ok := publicKeys[e.OriginNode]; ok {
			if !crypto.Verify(pub, []byte(digest), e.Signature) {
				l.logger.Error("ledger signature verification failed", "entry_id", e.ID, "origin_node", e.OriginNode)
				return e.ID, false, nil
			}
		}
		prevHash = digest
	}
	return "", true, nil
}

// Cursor returns the number of entries in this ledger's chain (those
// loaded from the store at Open plus those appended since), used by the
// cluster component as the ledger-cursor field of a checkpoint marker
// (see internal/cluster.CheckpointStore).
func (l *Ledger) Cursor() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.treeHashes))
}

// Root returns the current Merkle root over all appended entry hashes.
func (l *Ledger) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Root()
}

// Prove returns an inclusion proof for the entry whose hash is
// entryHash.
func (l *Ledger) Prove(entryHash string) (MerkleProof, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Prove(entryHash)
}

// Get returns the entry with the given ID.
func (l *Ledger) Get(ctx context.Context, id string) (Entry, bool, error) {
	return l.store.Get(ctx, id)
}

// GetByBuild returns all entries recorded for a build, in append order.
func (l *Ledger) GetByBuild(ctx context.Context, buildID string) ([]Entry, error) {
	return l.store.GetByBuild(ctx, buildID)
}

// GetRecent returns the most recent entries, newest first. A limit of 0
// means unbounded.
func (l *Ledger) GetRecent(ctx context.Context, limit int) ([]Entry, error) {
	return l.store.GetRecent(ctx, limit)
}

// GetSince returns entries appended after entryID, oldest first.
func (l *Ledger) GetSince(ctx context.Context, entryID string, limit int) ([]Entry, error) {
	return l.store.GetSince(ctx, entryID, limit)
}

// GetByType returns the most recent entries of the given type.
func (l *Ledger) GetByType(ctx context.Context, entryType EntryType, limit int) ([]Entry, error) {
	return l.store.GetByType(ctx, entryType, limit)
}

// PruneBefore deletes entries older than before and reports how many
// were removed. It does not rebuild the Merkle tree retroactively:
// callers that prune are expected to rely on periodic checkpoints
// rather than historical inclusion proofs for pruned entries.
func (l *Ledger) PruneBefore(ctx context.Context, before time.Time) (int, error) {
	return l.store.PruneBefore(ctx, before)
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
