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

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind tags the variant carried by a wire-encoded Message.
type MessageKind string

const (
	KindRegister         MessageKind = "Register"
	KindHeartbeat        MessageKind = "Heartbeat"
	KindAssignTask       MessageKind = "AssignTask"
	KindTaskStarted      MessageKind = "TaskStarted"
	KindTaskProgress     MessageKind = "TaskProgress"
	KindTaskCompleted    MessageKind = "TaskCompleted"
	KindCancelTask       MessageKind = "CancelTask"
	KindRequestArtifact  MessageKind = "RequestArtifact"
	KindTransferArtifact MessageKind = "TransferArtifact"
	KindShutdown         MessageKind = "Shutdown"
	KindError            MessageKind = "Error"
)

// Message is the tagged-union envelope every node-to-node wire payload
// travels in. Payload is itself MessagePack-encoded so Message can be
// decoded generically before the caller dispatches on Kind.
type Message struct {
	Kind    MessageKind
	Payload []byte
}

// Payload variants, one struct per MessageKind.

type RegisterPayload struct {
	NodeID       string
	Address      string
	Capabilities []string
}

type HeartbeatPayload struct {
	NodeID      string
	CPUPercent  float64
	MemPercent  float64
	ActiveTasks int
}

type AssignTaskPayload struct {
	Task Task
}

type TaskStartedPayload struct {
	TaskID   string
	WorkerID string
}

type TaskProgressPayload struct {
	TaskID   string
	WorkerID string
	Percent  int
	Message  string
}

type TaskCompletedPayload struct {
	Result TaskResult
}

type CancelTaskPayload struct {
	TaskID string
}

type RequestArtifactPayload struct {
	Hash     string
	FromNode string
}

type TransferArtifactPayload struct {
	Hash string
	Data []byte
}

type ShutdownPayload struct {
	NodeID string
	Drain  bool
}

type ErrorPayload struct {
	Code    string
	Message string
}

// EncodeMessage packs payload under kind into a wire-ready Message.
func EncodeMessage(kind MessageKind, payload interface{}) (Message, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("scheduler: encode %s payload: %w", kind, err)
	}
	return Message{Kind: kind, Payload: data}, nil
}

// Marshal serializes m for network transmission.
func Marshal(m Message) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire-format Message envelope.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("scheduler: unmarshal message: %w", err)
	}
	return m, nil
}

// DecodePayload unpacks m.Payload into dst, which must be a pointer to
// one of the *Payload structs above matching m.Kind.
func DecodePayload(m Message, dst interface{}) error {
	if err := msgpack.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("scheduler: decode %s payload: %w", m.Kind, err)
	}
	return nil
}
