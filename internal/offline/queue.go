package offline

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type QueueOptions struct {
	Logger    Logger
	NewTempID func() string
	Now       func() time.Time
}

// Queue is the persisted, insertion-ordered log of changes not yet applied
// remotely. At most one CREATE entry exists per temporary identity, and no
// UPDATE or DELETE entry ever references a temporary identity.
type Queue struct {
	backend   Backend
	logger    Logger
	newTempID func() string
	now       func() time.Time

	mu        sync.Mutex
	observers []func([]PendingChange)
}

func NewQueue(backend Backend, opts QueueOptions) *Queue {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	q := &Queue{
		backend:   backend,
		logger:    opts.Logger,
		newTempID: opts.NewTempID,
		now:       opts.Now,
	}
	if q.newTempID == nil {
		q.newTempID = NewTempID
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Append adds a change at the tail and returns the stored entry. A CREATE
// without identity is given a temporary one.
func (q *Queue) Append(action Action, data Record) (PendingChange, error) {
	if !action.Valid() {
		return PendingChange{}, fmt.Errorf("%w: action %q", ErrInvalidInput, action)
	}
	data.ID = strings.TrimSpace(data.ID)

	q.mu.Lock()
	entries := LoadSlot[PendingChange](q.backend, SlotPending, q.logger)
	switch action {
	case ActionCreate:
		if data.ID == "" {
			data.ID = q.newTempID()
		}
		if !IsTempID(data.ID) {
			q.mu.Unlock()
			return PendingChange{}, fmt.Errorf("%w: create with server identity %q", ErrInvalidInput, data.ID)
		}
		if indexOfCreate(entries, data.ID) >= 0 {
			q.mu.Unlock()
			return PendingChange{}, fmt.Errorf("%w: duplicate create for %s", ErrInvalidInput, data.ID)
		}
	default:
		if data.ID == "" {
			q.mu.Unlock()
			return PendingChange{}, fmt.Errorf("%w: %s requires an identity", ErrInvalidInput, action)
		}
		if IsTempID(data.ID) {
			q.mu.Unlock()
			return PendingChange{}, fmt.Errorf("%w: %s %s", ErrTemporaryIdentity, action, data.ID)
		}
	}
	entry := PendingChange{Action: action, Data: data, Timestamp: q.now().UTC()}
	entries = append(entries, entry)
	if err := SaveSlot(q.backend, SlotPending, entries); err != nil {
		q.mu.Unlock()
		return PendingChange{}, err
	}
	q.mu.Unlock()

	q.notify(entries)
	return entry, nil
}

// Amend merges patch into the pending CREATE for tempID.
func (q *Queue) Amend(tempID string, patch RecordPatch) error {
	tempID = strings.TrimSpace(tempID)
	q.mu.Lock()
	entries := LoadSlot[PendingChange](q.backend, SlotPending, q.logger)
	idx := indexOfCreate(entries, tempID)
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: pending create %s", ErrNotFound, tempID)
	}
	entries[idx].Data = patch.Apply(entries[idx].Data)
	entries[idx].Data.ID = tempID
	if err := SaveSlot(q.backend, SlotPending, entries); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify(entries)
	return nil
}

// RemoveCreate drops the pending CREATE for tempID.
func (q *Queue) RemoveCreate(tempID string) error {
	tempID = strings.TrimSpace(tempID)
	q.mu.Lock()
	entries := LoadSlot[PendingChange](q.backend, SlotPending, q.logger)
	idx := indexOfCreate(entries, tempID)
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: pending create %s", ErrNotFound, tempID)
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	if err := SaveSlot(q.backend, SlotPending, entries); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify(entries)
	return nil
}

func (q *Queue) ListAll() []PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	return LoadSlot[PendingChange](q.backend, SlotPending, q.logger)
}

func (q *Queue) Len() int {
	return len(q.ListAll())
}

// Clear empties the log. Clearing an empty log writes nothing and notifies no one.
func (q *Queue) Clear() error {
	q.mu.Lock()
	entries := LoadSlot[PendingChange](q.backend, SlotPending, q.logger)
	if len(entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	if err := SaveSlot(q.backend, SlotPending, []PendingChange{}); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify([]PendingChange{})
	return nil
}

// Settle removes the entries of a replayed snapshot and puts retained at the
// head of the log. Entries appended after the snapshot was taken stay behind
// the retained ones in their original order.
func (q *Queue) Settle(snapshot, retained []PendingChange) error {
	q.mu.Lock()
	entries := LoadSlot[PendingChange](q.backend, SlotPending, q.logger)

	replayed := make(map[string]int, len(snapshot))
	for _, entry := range snapshot {
		replayed[entry.key()]++
	}
	next := make([]PendingChange, 0, len(retained)+len(entries))
	next = append(next, retained...)
	for _, entry := range entries {
		k := entry.key()
		if replayed[k] > 0 {
			replayed[k]--
			continue
		}
		next = append(next, entry)
	}
	if len(next) == 0 && len(entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	if err := SaveSlot(q.backend, SlotPending, next); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify(next)
	return nil
}

// Subscribe registers fn to receive the full log after every mutation.
func (q *Queue) Subscribe(fn func([]PendingChange)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.observers = append(q.observers, fn)
	q.mu.Unlock()
}

// Notify re-fires observers from persisted state, for changes written by
// another process.
func (q *Queue) Notify() {
	q.notify(q.ListAll())
}

func (q *Queue) notify(entries []PendingChange) {
	q.mu.Lock()
	observers := append([]func([]PendingChange){}, q.observers...)
	q.mu.Unlock()
	for _, fn := range observers {
		fn(append([]PendingChange{}, entries...))
	}
}

func indexOfCreate(entries []PendingChange, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, entry := range entries {
		if entry.Action == ActionCreate && entry.Data.ID == tempID {
			return i
		}
	}
	return -1
}
