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
	"time"
)

// Monitor runs the registry's periodic health check and the election's
// hourly failover-counter reset on independent tickers, mirroring the
// registry/GC ticker-plus-context-cancellable-manual-trigger shape used
// elsewhere in the core.
type Monitor struct {
	registry *Registry
	election *Election
	logger   *slog.Logger

	healthInterval time.Duration
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// NewMonitor creates a Monitor. healthInterval should typically equal
// the configured heartbeat interval.
func NewMonitor(registry *Registry, election *Election, healthInterval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:       registry,
		election:       election,
		logger:         logger,
		healthInterval: healthInterval,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start begins the background loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the background loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	healthTicker := time.NewTicker(m.healthInterval)
	defer healthTicker.Stop()

	hourlyTicker := time.NewTicker(time.Hour)
	defer hourlyTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-healthTicker.C:
			m.registry.CheckHealth()
			m.maybeTriggerElection()
		case <-hourlyTicker.C:
			m.election.ResetHourlyCount()
		}
	}
}

// maybeTriggerElection starts a new election when no leader exists or
// the current leader has been unhealthy for at least the heartbeat
// timeout, per the election protocol's trigger conditions.
func (m *Monitor) maybeTriggerElection() {
	leader, ok := m.registry.Leader()
	if ok && leader.Healthy {
		return
	}
	if !m.election.CanFailover() {
		return
	}
	if _, err := m.election.StartElection(); err != nil {
		m.logger.Warn("election not started", "error", err)
	}
}

// RunHealthCheck performs a single health-check pass, respecting
// context cancellation. Exposed for manual/admin triggering and tests.
func (m *Monitor) RunHealthCheck(ctx context.Context) error {
	doneCh := make(chan struct{})
	go func() {
		m.registry.CheckHealth()
		close(doneCh)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
		return nil
	}
}
