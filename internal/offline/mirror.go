package offline

import (
	"strings"
	"sync"
)

// Mirror is the locally persisted snapshot of the remote collection.
type Mirror struct {
	backend Backend
	logger  Logger
	mu      sync.Mutex
}

func NewMirror(backend Backend, logger Logger) *Mirror {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Mirror{backend: backend, logger: logger}
}

func (m *Mirror) Replace(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SaveSlot(m.backend, SlotMirror, records)
}

func (m *Mirror) Read() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LoadSlot[Record](m.backend, SlotMirror, m.logger)
}

// Insert puts record at the front, matching the newest-first API listing.
func (m *Mirror) Insert(record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := LoadSlot[Record](m.backend, SlotMirror, m.logger)
	records = append([]Record{record}, records...)
	return SaveSlot(m.backend, SlotMirror, records)
}

func (m *Mirror) Update(id string, patch RecordPatch) (bool, error) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	records := LoadSlot[Record](m.backend, SlotMirror, m.logger)
	for i := range records {
		if records[i].ID != id {
			continue
		}
		records[i] = patch.Apply(records[i])
		return true, SaveSlot(m.backend, SlotMirror, records)
	}
	return false, nil
}

func (m *Mirror) Remove(id string) (bool, error) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	records := LoadSlot[Record](m.backend, SlotMirror, m.logger)
	for i := range records {
		if records[i].ID != id {
			continue
		}
		records = append(records[:i], records[i+1:]...)
		return true, SaveSlot(m.backend, SlotMirror, records)
	}
	return false, nil
}

// ApplyPending overlays the pending log on a server snapshot in log order, so
// queued changes stay visible until they are replayed.
func ApplyPending(records []Record, pending []PendingChange) []Record {
	out := append([]Record{}, records...)
	for _, change := range pending {
		i := indexOfRecord(out, change.Data.ID)
		switch change.Action {
		case ActionCreate:
			if i < 0 {
				out = append([]Record{change.Data}, out...)
			}
		case ActionUpdate:
			if i >= 0 {
				out[i] = PatchFrom(change.Data).Apply(out[i])
			}
		case ActionDelete:
			if i >= 0 {
				out = append(out[:i], out[i+1:]...)
			}
		}
	}
	return out
}

func indexOfRecord(records []Record, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}
