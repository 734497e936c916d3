package offline

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMirrorReplaceIsIdempotent(t *testing.T) {
	m := NewMirror(nil, nil)
	snapshot := []Record{
		{ID: "2", Name: "Beto", Balance: decimal.NewFromInt(20)},
		{ID: "1", Name: "Ana", Balance: decimal.RequireFromString("10.5")},
	}
	if err := m.Replace(snapshot); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	first := m.Read()
	if err := m.Replace(snapshot); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}
	second := m.Read()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 records, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Name != second[i].Name || !first[i].Balance.Equal(second[i].Balance) {
			t.Fatalf("record %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestMirrorReadTreatsCorruptionAsEmpty(t *testing.T) {
	backend := NewMemoryBackend()
	_ = backend.Save(SlotMirror, []byte(`"oops"`))
	logger := &captureLogger{}
	m := NewMirror(backend, logger)
	if got := m.Read(); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", got)
	}
	if logger.count() != 1 {
		t.Fatalf("expected one logged decode failure, got %d", logger.count())
	}
	if got := NewMirror(NewMemoryBackend(), nil).Read(); got == nil || len(got) != 0 {
		t.Fatalf("expected non-nil empty snapshot for absent slot, got %#v", got)
	}
}

func TestMirrorOptimisticHelpers(t *testing.T) {
	m := NewMirror(nil, nil)
	_ = m.Replace([]Record{{ID: "1", Name: "Ana"}})
	if err := m.Insert(Record{ID: "temp_1", Name: "Nuevo"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	records := m.Read()
	if len(records) != 2 || records[0].ID != "temp_1" {
		t.Fatalf("expected insert at front, got %+v", records)
	}

	name := "Ana Maria"
	ok, err := m.Update("1", RecordPatch{Name: &name})
	if err != nil || !ok {
		t.Fatalf("update failed: ok=%v err=%v", ok, err)
	}
	if records := m.Read(); records[1].Name != "Ana Maria" {
		t.Fatalf("expected updated name, got %+v", records)
	}
	if ok, _ := m.Update("missing", RecordPatch{Name: &name}); ok {
		t.Fatalf("expected no match for missing id")
	}

	ok, err = m.Remove("temp_1")
	if err != nil || !ok {
		t.Fatalf("remove failed: ok=%v err=%v", ok, err)
	}
	if records := m.Read(); len(records) != 1 || records[0].ID != "1" {
		t.Fatalf("expected only record 1, got %+v", records)
	}
	if ok, _ := m.Remove("temp_1"); ok {
		t.Fatalf("expected second remove to miss")
	}
}

func TestApplyPendingOverlaysLogInOrder(t *testing.T) {
	snapshot := []Record{
		{ID: "2", Name: "Beto", Balance: decimal.NewFromInt(20)},
		{ID: "1", Name: "Ana", Balance: decimal.NewFromInt(10)},
	}
	pending := []PendingChange{
		{Action: ActionCreate, Data: Record{ID: "temp_a", Name: "Nuevo"}},
		{Action: ActionUpdate, Data: Record{ID: "1", Name: "Ana Maria", Balance: decimal.NewFromInt(11)}},
		{Action: ActionDelete, Data: Record{ID: "2"}},
		{Action: ActionUpdate, Data: Record{ID: "9", Name: "gone"}},
	}
	got := ApplyPending(snapshot, pending)
	if len(got) != 2 || got[0].ID != "temp_a" || got[1].ID != "1" || got[1].Name != "Ana Maria" {
		t.Fatalf("unexpected overlay %+v", got)
	}
	if len(snapshot) != 2 || snapshot[1].Name != "Ana" {
		t.Fatalf("expected snapshot to be left untouched, got %+v", snapshot)
	}
	if again := ApplyPending(got, pending[:1]); len(again) != 2 {
		t.Fatalf("expected an already present create not to be duplicated, got %+v", again)
	}
}
