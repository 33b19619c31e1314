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
	"math/rand"
	"sync/atomic"
	"time"
)

// WorkerSelector picks one worker from an already capability-and-capacity
// filtered set for a task. It returns false if none is suitable (should
// not normally happen since the caller already filtered).
type WorkerSelector interface {
	Select(workers []*Worker, task *Task) (*Worker, bool)
}

// RoundRobinSelector cycles through the filtered worker list.
type RoundRobinSelector struct {
	counter uint64
}

func (s *RoundRobinSelector) Select(workers []*Worker, _ *Task) (*Worker, bool) {
	if len(workers) == 0 {
		return nil, false
	}
	n := atomic.AddUint64(&s.counter, 1) - 1
	return workers[int(n%uint64(len(workers)))], true
}

// LeastLoadedSelector picks the worker with the lowest loadFactor.
type LeastLoadedSelector struct{}

func (LeastLoadedSelector) Select(workers []*Worker, _ *Task) (*Worker, bool) {
	return pickLeastLoaded(workers)
}

func pickLeastLoaded(workers []*Worker) (*Worker, bool) {
	if len(workers) == 0 {
		return nil, false
	}
	best := workers[0]
	bestLoad := best.loadFactor()
	for _, w := range workers[1:] {
		if l := w.loadFactor(); l < bestLoad {
			best = w
			bestLoad = l
		}
	}
	return best, true
}

// CacheAffinitySelector prefers a worker known to already hold one of
// the task's input artifacts; when no such information is available it
// falls through to LeastLoaded, per the spec's documented fallback.
type CacheAffinitySelector struct {
	// HasArtifact reports whether workerID is known to hold artifactHash.
	// Populated from ArtifactStored/TransferArtifact events; nil or a
	// false result is never an error, just a cache-miss for affinity
	// purposes.
	HasArtifact func(workerID, artifactHash string) bool
}

func (s CacheAffinitySelector) Select(workers []*Worker, task *Task) (*Worker, bool) {
	if s.HasArtifact != nil {
		var affineMatches []*Worker
		for _, w := range workers {
			for _, hash := range task.InputArtifacts {
				if s.HasArtifact(w.ID, hash) {
					affineMatches = append(affineMatches, w)
					break
				}
			}
		}
		if len(affineMatches) > 0 {
			return pickLeastLoaded(affineMatches)
		}
	}
	return pickLeastLoaded(workers)
}

// RandomSelector picks a pseudo-random worker, seeded by the current
// time, deterministic within one call but not reproducible across
// process restarts.
type RandomSelector struct {
	rnd *rand.Rand
}

func NewRandomSelector() *RandomSelector {
	return &RandomSelector{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *RandomSelector) Select(workers []*Worker, _ *Task) (*Worker, bool) {
	if len(workers) == 0 {
		return nil, false
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return workers[s.rnd.Intn(len(workers))], true
}

// BestFitSelector maximizes score = 100 - 50*load + 10*|matched
// capabilities| + 20*(cpu-headroom + mem-headroom).
type BestFitSelector struct{}

func (BestFitSelector) Select(workers []*Worker, task *Task) (*Worker, bool) {
	if len(workers) == 0 {
		return nil, false
	}
	var best *Worker
	var bestScore float64
	for _, w := range workers {
		score := bestFitScore(w, task)
		if best == nil || score > bestScore {
			best = w
			bestScore = score
		}
	}
	return best, true
}

func bestFitScore(w *Worker, task *Task) float64 {
	matched := 0
	have := make(map[string]bool, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = true
	}
	for _, r := range task.RequiredCapabilities {
		if have[r] {
			matched++
		}
	}
	cpuHeadroom := 1 - w.CPULoad
	memHeadroom := 1 - w.MemLoad
	return 100 - 50*w.loadFactor() + 10*float64(matched) + 20*(cpuHeadroom+memHeadroom)
}
