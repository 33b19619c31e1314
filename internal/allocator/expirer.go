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

package allocator

import (
	"context"
	"time"
)

// ExpirerConfig controls the background sweep that auto-releases
// allocations past their estimated-duration buffer.
type ExpirerConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Expirer periodically sweeps an Allocator for expired allocations and
// releases them, the same ticker/stop-channel shape used for the
// artifact cache's evictor and the cluster health monitor.
type Expirer struct {
	allocator *Allocator
	config    ExpirerConfig
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewExpirer builds an Expirer over allocator.
func NewExpirer(allocator *Allocator, config ExpirerConfig) *Expirer {
	return &Expirer{
		allocator: allocator,
		config:    config,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the background sweep loop if enabled.
func (e *Expirer) Start() {
	if !e.config.Enabled {
		close(e.doneCh)
		return
	}
	go e.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (e *Expirer) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Expirer) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			released := e.allocator.ReleaseExpired()
			if len(released) > 0 {
				e.allocator.logger.Info("expired allocations released", "count", len(released))
			}
		}
	}
}

// ManualSweep runs one expiry pass immediately, cancellable via ctx.
func (e *Expirer) ManualSweep(ctx context.Context) ([]Allocation, error) {
	resultCh := make(chan []Allocation, 1)
	go func() {
		resultCh <- e.allocator.ReleaseExpired()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case released := <-resultCh:
		return released, nil
	}
}
