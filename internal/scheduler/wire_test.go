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

func TestMessageRoundTrip(t *testing.T) {
	msg, err := EncodeMessage(KindHeartbeat, HeartbeatPayload{NodeID: "n1", CPUPercent: 42, ActiveTasks: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != KindHeartbeat {
		t.Fatalf("expected kind %s, got %s", KindHeartbeat, decoded.Kind)
	}

	var payload HeartbeatPayload
	if err := DecodePayload(decoded, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.NodeID != "n1" || payload.ActiveTasks != 3 {
		t.Fatalf("unexpected payload after round trip: %+v", payload)
	}
}

func TestMessageRoundTripAssignTask(t *testing.T) {
	task := Task{ID: "t1", Package: "core", Command: []string{"go", "build"}}
	msg, err := EncodeMessage(KindAssignTask, AssignTaskPayload{Task: task})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var payload AssignTaskPayload
	if err := DecodePayload(msg, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Task.ID != "t1" || payload.Task.Package != "core" {
		t.Fatalf("unexpected task after round trip: %+v", payload.Task)
	}
}
