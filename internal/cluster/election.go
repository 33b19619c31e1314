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
	"log/slog"
	"sync"
	"time"

	"github.com/mattcburns/buildnet/internal/buildnetmetrics"
	"github.com/mattcburns/buildnet/internal/corerr"
)

// ElectionConfig mirrors the failover tuning knobs read from
// configuration.
type ElectionConfig struct {
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	ElectionQuorum      int
	ElectionTimeout     time.Duration
	FailoverCooldown    time.Duration
	MaxFailoversPerHour int
}

// electionState is the mutable state of an in-progress or most recent
// election, equivalent to FailoverState.
type electionState struct {
	leaderID             string
	hasLeader            bool
	term                  uint64
	lastFailover          time.Time
	hasLastFailover       bool
	failoverCountThisHour int
	electionInProgress    bool
	votes                 map[string]string // voterID -> candidateID
}

// Election runs the leader-election protocol described in the component
// design, structurally following the node-local failover manager: each
// node runs one Election instance and exchanges votes over the wire
// layer.
type Election struct {
	config ElectionConfig
	nodeID string

	mu    sync.Mutex
	state electionState

	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewElection creates an Election for nodeID, backed by registry for
// health lookups and tie-break scoring.
func NewElection(config ElectionConfig, nodeID string, registry *Registry, logger *slog.Logger) *Election {
	if logger == nil {
		logger = slog.Default()
	}
	return &Election{
		config:   config,
		nodeID:   nodeID,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		state: electionState{
			votes: make(map[string]string),
		},
	}
}

// CanFailover reports whether a new election may be started: the
// cooldown has elapsed, the hourly rate limit has not been hit, and no
// election is already in progress.
func (e *Election) CanFailover() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canFailoverLocked()
}

func (e *Election) canFailoverLocked() bool {
	if e.state.hasLastFailover {
		if e.now().Sub(e.state.lastFailover) < e.config.FailoverCooldown {
			return false
		}
	}
	if e.state.failoverCountThisHour >= e.config.MaxFailoversPerHour {
		return false
	}
	return !e.state.electionInProgress
}

// StartElection begins a new election term, voting for the local node.
// Returns ErrRateLimited if CanFailover is false, or ErrQuorumLost if
// fewer than ElectionQuorum healthy nodes are tracked.
func (e *Election) StartElection() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.canFailoverLocked() {
		return 0, corerr.ErrRateLimited
	}
	if e.registry != nil && len(e.registry.HealthyNodes()) < e.config.ElectionQuorum {
		return 0, corerr.ErrQuorumLost
	}

	e.state.term++
	e.state.electionInProgress = true
	e.state.votes = map[string]string{e.nodeID: e.nodeID}

	e.logger.Info("starting election", "term", e.state.term, "node_id", e.nodeID)
	return e.state.term, nil
}

// Vote casts this node's vote for candidateID in term, per the
// once-per-term rule. Returns false if the vote was not cast (stale
// term or already voted this term).
func (e *Election) Vote(term uint64, candidateID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if term < e.state.term {
		return false
	}
	if term > e.state.term {
		e.state.term = term
		e.state.votes = make(map[string]string)
		e.state.electionInProgress = true
	}
	if _, voted := e.state.votes[e.nodeID]; voted {
		return false
	}

	e.state.votes[e.nodeID] = candidateID
	e.logger.Info("cast vote", "candidate_id", candidateID, "term", term)
	return true
}

// ReceiveVote records a vote cast by voterID for candidateID, for
// aggregation at the candidate. Votes for a term other than the current
// one are ignored.
func (e *Election) ReceiveVote(term uint64, voterID, candidateID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if term != e.state.term {
		return false
	}
	e.state.votes[voterID] = candidateID
	return true
}

// CheckResult tallies current votes and returns the candidate with at
// least ElectionQuorum votes, if any.
func (e *Election) CheckResult() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.electionInProgress {
		return "", false
	}

	counts := make(map[string]int)
	for _, candidate := range e.state.votes {
		counts[candidate]++
	}
	for candidate, count := range counts {
		if count >= e.config.ElectionQuorum {
			return candidate, true
		}
	}
	return "", false
}

// Complete finalizes the election with winnerID as the new leader,
// records the failover timestamp, and increments the hourly counter.
func (e *Election) Complete(winnerID string) {
	e.mu.Lock()
	e.state.leaderID = winnerID
	e.state.hasLeader = true
	e.state.electionInProgress = false
	e.state.lastFailover = e.now()
	e.state.hasLastFailover = true
	e.state.failoverCountThisHour++
	e.mu.Unlock()

	if e.registry != nil {
		e.registry.SetRole(winnerID, RoleLeader)
		for _, n := range e.registry.All() {
			if n.ID != winnerID && n.Role == RoleLeader {
				e.registry.SetRole(n.ID, RoleFollower)
			}
		}
	}

	e.logger.Info("election complete", "leader_id", winnerID)
	buildnetmetrics.IncElection("won")
}

// Cancel aborts the in-progress election, clearing votes. A new
// election may begin once the cooldown expires.
func (e *Election) Cancel() {
	e.mu.Lock()
	e.state.electionInProgress = false
	e.state.votes = make(map[string]string)
	e.mu.Unlock()
	buildnetmetrics.IncElection("cancelled")
}

// CheckTimeout cancels the election if it has been running longer than
// ElectionTimeout without a winner. startedAt is the time StartElection
// returned its term.
func (e *Election) CheckTimeout(startedAt time.Time) {
	e.mu.Lock()
	inProgress := e.state.electionInProgress
	e.mu.Unlock()
	if !inProgress {
		return
	}
	if e.now().Sub(startedAt) >= e.config.ElectionTimeout {
		e.Cancel()
		buildnetmetrics.IncElection("timed_out")
	}
}

// ResetHourlyCount clears the hourly failover counter; intended to be
// called once per hour by a ticker-driven loop.
func (e *Election) ResetHourlyCount() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.failoverCountThisHour = 0
}

// LeaderID returns the currently recorded leader, if any.
func (e *Election) LeaderID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.leaderID, e.state.hasLeader
}

// Term returns the current election term.
func (e *Election) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.term
}

// InProgress reports whether an election is currently running.
func (e *Election) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.electionInProgress
}
