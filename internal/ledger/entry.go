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

// Package ledger implements BuildNet's append-only, hash-chained,
// Ed25519-signed event log with Merkle inclusion proofs.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EntryType enumerates the fixed set of ledger event kinds.
type EntryType string

const (
	TypeBuildStarted       EntryType = "BuildStarted"
	TypeBuildCompleted     EntryType = "BuildCompleted"
	TypeTaskAssigned       EntryType = "TaskAssigned"
	TypeTaskCompleted      EntryType = "TaskCompleted"
	TypeArtifactStored     EntryType = "ArtifactStored"
	TypeArtifactReplicated EntryType = "ArtifactReplicated"
	TypeNodeJoined         EntryType = "NodeJoined"
	TypeNodeLeft           EntryType = "NodeLeft"
	TypeCoordinatorElected EntryType = "CoordinatorElected"
	TypeConfigChanged      EntryType = "ConfigChanged"
)

// Entry is one immutable record in the ledger.
type Entry struct {
	ID         string
	Type       EntryType
	OriginNode string
	BuildID    string // empty when not applicable
	Timestamp  time.Time
	PrevHash   string
	Data       json.RawMessage
	Signature  []byte
}

// Hash computes the SHA-256 entry hash over (id, type, origin-node,
// build-id, timestamp-RFC3339, prev-hash, canonical-JSON(data)),
// concatenated in that order with a NUL byte between consecutive fields.
func (e Entry) Hash() string {
	h := sha256.New()
	h.Write([]byte(e.ID))
	h.Write([]byte{0})
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.OriginNode))
	h.Write([]byte{0})
	h.Write([]byte(e.BuildID))
	h.Write([]byte{0})
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(e.PrevHash))
	h.Write([]byte{0})
	h.Write(canonicalJSON(e.Data))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-marshals data through a map so key order is
// deterministic regardless of how the caller constructed the
// json.RawMessage.
func canonicalJSON(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		// Not valid JSON; hash the raw bytes as-is so Hash never panics.
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}

// Payload builders for each entry type's documented schema.

type BuildStartedPayload struct {
	Packages  []string `json:"packages"`
	Initiator string   `json:"initiator"`
}

type BuildCompletedPayload struct {
	Success    bool     `json:"success"`
	DurationMs int64    `json:"duration_ms"`
	Artifacts  []string `json:"artifacts"`
}

type TaskAssignedPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Package  string `json:"package"`
}

type TaskCompletedPayload struct {
	TaskID        string `json:"task_id"`
	WorkerID      string `json:"worker_id"`
	Success       bool   `json:"success"`
	DurationMs    int64  `json:"duration_ms"`
	ArtifactHash  string `json:"artifact_hash,omitempty"`
}

type ArtifactStoredPayload struct {
	ArtifactHash string   `json:"artifact_hash"`
	Size         int64    `json:"size"`
	Locations    []string `json:"locations"`
}

type ArtifactReplicatedPayload struct {
	ArtifactHash string `json:"artifact_hash"`
	FromNode     string `json:"from_node"`
	ToNode       string `json:"to_node"`
}

type NodeJoinedPayload struct {
	NodeID       string   `json:"node_id"`
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities"`
}

type NodeLeftPayload struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

type CoordinatorElectedPayload struct {
	CoordinatorID string `json:"coordinator_id"`
	ElectionID    string `json:"election_id"`
}

// ConfigChangedPayload is a supplemented entry type payload for runtime
// configuration changes observed by a node.
type ConfigChangedPayload struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// MarshalPayload marshals a typed payload into json.RawMessage for
// embedding in an Entry.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}
	return data, nil
}
