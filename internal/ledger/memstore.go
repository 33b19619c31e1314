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
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store, used in tests and in standalone-node
// deployments that don't need durability across restarts.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string // entry IDs in append order
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	m.order = append(m.order, entry.ID)
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok, nil
}

func (m *MemStore) GetByBuild(_ context.Context, buildID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.BuildID == buildID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) GetRecent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		all = append(all, m.entries[id])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemStore) GetSince(_ context.Context, entryID string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	anchor, ok := m.entries[entryID]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.Timestamp.After(anchor.Timestamp) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) GetByType(_ context.Context, entryType EntryType, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for i := len(m.order) - 1; i >= 0; i-- {
		e := m.entries[m.order[i]]
		if e.Type == entryType {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) PruneBefore(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []string
	removed := 0
	for _, id := range m.order {
		e := m.entries[id]
		if e.Timestamp.Before(before) {
			delete(m.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed, nil
}

func (m *MemStore) LastEntry(_ context.Context, originNode string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		e := m.entries[m.order[i]]
		if e.OriginNode == originNode {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemStore) AllHashesInOrder(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes := make([]string, len(m.order))
	for i, id := range m.order {
		hashes[i] = m.entries[id].Hash()
	}
	return hashes, nil
}
