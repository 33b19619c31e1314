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

// Package cluster implements node membership, heartbeat tracking, and
// leader election for BuildNet's distributed scheduler.
package cluster

import (
	"log/slog"
	"sync"
	"time"
)

// Role is a cluster node's current standing.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleStandalone
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}

// Node is a cluster member as seen by the local registry.
type Node struct {
	ID                  string
	Role                Role
	Address             string
	LastHeartbeat       time.Time
	Healthy             bool
	ReplicationPosition int64

	// Capacity fields used in election tie-breaking.
	Cores     int
	MemoryMB  int
	StorageGB int
	Load      float64 // 0..1
}

// score computes the election priority score from the component design's
// tie-break formula: higher wins, lexicographically smallest ID on ties.
func (n Node) score() float64 {
	load := n.Load
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	return 100*float64(n.Cores) + float64(n.MemoryMB)/100 + float64(n.StorageGB) + (1-load)*100
}

// Registry is a mapping from node ID to Node. The local node is always
// present.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	localID string

	heartbeatTimeout time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// NewRegistry creates a Registry whose local node is localID. A nil
// logger falls back to slog.Default(), matching the teacher's
// database.DB construction.
func NewRegistry(localID, localAddr string, heartbeatTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		nodes:            make(map[string]*Node),
		localID:          localID,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
		logger:           logger,
	}
	r.nodes[localID] = &Node{
		ID:            localID,
		Role:          RoleStandalone,
		Address:       localAddr,
		LastHeartbeat: r.now(),
		Healthy:       true,
	}
	logger.Info("cluster registry opened", "local_id", localID, "local_addr", localAddr)
	return r
}

// Upsert adds or updates a node's capacity/address fields, creating it
// if absent.
func (r *Registry) Upsert(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.nodes[node.ID]
	if !ok {
		node.LastHeartbeat = r.now()
		node.Healthy = true
		cp := node
		r.nodes[node.ID] = &cp
		r.logger.Info("node joined", "node_id", node.ID, "address", node.Address)
		return
	}
	existing.Address = node.Address
	existing.Cores = node.Cores
	existing.MemoryMB = node.MemoryMB
	existing.StorageGB = node.StorageGB
	existing.Load = node.Load
	existing.ReplicationPosition = node.ReplicationPosition
}

// Heartbeat records a heartbeat from nodeID, clearing its unhealthy bit.
func (r *Registry) Heartbeat(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		n = &Node{ID: nodeID}
		r.nodes[nodeID] = n
	}
	n.LastHeartbeat = r.now()
	n.Healthy = true
	r.logger.Debug("heartbeat received", "node_id", nodeID)
}

// CheckHealth marks nodes unhealthy once their heartbeat ages past
// heartbeat-timeout, and removes nodes stale beyond 2x the timeout.
// The local node is never removed.
func (r *Registry) CheckHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, n := range r.nodes {
		if id == r.localID {
			continue
		}
		age := now.Sub(n.LastHeartbeat)
		if age > 2*r.heartbeatTimeout {
			delete(r.nodes, id)
			r.logger.Warn("node removed, stale beyond 2x heartbeat timeout", "node_id", id, "age", age)
			continue
		}
		if age > r.heartbeatTimeout {
			if n.Healthy {
				r.logger.Warn("node marked unhealthy", "node_id", id, "age", age)
			}
			n.Healthy = false
		}
	}
}

// Get returns a copy of the node with the given ID.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// SetRole updates a node's role directly; used by the election manager
// once a winner is determined.
func (r *Registry) SetRole(id string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Role = role
	}
}

// Leader returns the current leader node, if any.
func (r *Registry) Leader() (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Role == RoleLeader {
			return *n, true
		}
	}
	return Node{}, false
}

// HealthyNodes returns all nodes currently marked healthy.
func (r *Registry) HealthyNodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Healthy {
			out = append(out, *n)
		}
	}
	return out
}

// All returns every tracked node.
func (r *Registry) All() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// Remove drops a node from tracking (e.g. on graceful departure).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// BestCandidate returns the healthy node with the highest election
// score, breaking ties on lexicographically smallest ID. Returns false
// if no healthy node is tracked.
func (r *Registry) BestCandidate() (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Node
	for _, n := range r.nodes {
		if !n.Healthy {
			continue
		}
		if best == nil {
			cp := *n
			best = &cp
			continue
		}
		ns, bs := n.score(), best.score()
		if ns > bs || (ns == bs && n.ID < best.ID) {
			cp := *n
			best = &cp
		}
	}
	if best == nil {
		return Node{}, false
	}
	return *best, true
}
