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

package cache

import (
	"context"
	"time"
)

// EvictorConfig controls the background eviction loop.
type EvictorConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxBytes int64
}

// Evictor periodically runs Cache.Evict in the background, mirroring
// the registry's ticker-driven garbage collector.
type Evictor struct {
	cache  *Cache
	config EvictorConfig
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEvictor creates an Evictor for cache.
func NewEvictor(cache *Cache, config EvictorConfig) *Evictor {
	return &Evictor{
		cache:  cache,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background eviction loop.
func (e *Evictor) Start() {
	if !e.config.Enabled {
		close(e.doneCh)
		return
	}
	go e.run()
}

// Stop halts the background loop and waits for it to exit.
func (e *Evictor) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Evictor) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			removed, err := e.cache.Evict(e.config.MaxBytes)
			if err != nil {
				e.cache.logger.Error("background cache evict failed", "error", err)
			} else if removed > 0 {
				e.cache.logger.Info("background cache evict completed", "removed", removed)
			}
		}
	}
}

// ManualEvict triggers a single eviction pass, respecting context
// cancellation.
func (e *Evictor) ManualEvict(ctx context.Context) (int, error) {
	resultCh := make(chan int, 1)
	errCh := make(chan error, 1)

	go func() {
		removed, err := e.cache.Evict(e.config.MaxBytes)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- removed
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-errCh:
		return 0, err
	case removed := <-resultCh:
		return removed, nil
	}
}
