package offline

import (
	"encoding/json"
	"fmt"
)

const (
	SlotMirror   = "mirror"
	SlotPending  = "pending"
	SlotSearches = "searches"
)

// LoadSlot decodes a JSON array slot. Absent or undecodable content yields an
// empty slice; decode failures are logged, never returned.
func LoadSlot[T any](backend Backend, slot string, logger Logger) []T {
	data, err := backend.Load(slot)
	if err != nil {
		logf(logger, "offline: load slot %s failed: %v", slot, err)
		return []T{}
	}
	if len(data) == 0 {
		return []T{}
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		logf(logger, "offline: slot %s is corrupt, treating as empty: %v", slot, err)
		return []T{}
	}
	if out == nil {
		return []T{}
	}
	return out
}

func SaveSlot[T any](backend Backend, slot string, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode slot %s: %w", slot, err)
	}
	return backend.Save(slot, data)
}
