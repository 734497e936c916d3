package offlinesync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/agentworkforce/offlinecrud/internal/offline"
)

// fakeRemote is an in-memory customers API. failOn maps "ACTION:name-or-id"
// to the error returned for that call.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string]offline.Record
	nextID  int
	calls   []string
	failOn  map[string]error
	down    bool
	block   chan struct{}
	entered chan struct{}
}

func newFakeRemote(seed ...offline.Record) *fakeRemote {
	f := &fakeRemote{records: map[string]offline.Record{}, nextID: 100, failOn: map[string]error{}}
	for _, r := range seed {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeRemote) enter(ctx context.Context, call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	down := f.down
	err := f.failOn[call]
	block := f.block
	entered := f.entered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if down {
		return fmt.Errorf("%w: connection refused", ErrUnreachable)
	}
	return err
}

func (f *fakeRemote) List(ctx context.Context) ([]offline.Record, error) {
	if err := f.enter(ctx, "LIST"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(), nil
}

func (f *fakeRemote) Create(ctx context.Context, record offline.Record) (offline.Record, error) {
	if err := f.enter(ctx, "CREATE:"+record.Name); err != nil {
		return offline.Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	record.ID = strconv.Itoa(f.nextID)
	f.records[record.ID] = record
	return record, nil
}

func (f *fakeRemote) Update(ctx context.Context, record offline.Record) error {
	if err := f.enter(ctx, "UPDATE:"+record.ID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[record.ID]; !ok {
		return &APIError{StatusCode: 404, Message: "cliente no encontrado"}
	}
	f.records[record.ID] = record
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, "DELETE:"+id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return &APIError{StatusCode: 404, Message: "cliente no encontrado"}
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRemote) snapshot() []offline.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *fakeRemote) snapshotLocked() []offline.Record {
	out := make([]offline.Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a > b
	})
	return out
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func sameRecords(a, b []offline.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || !a[i].Balance.Equal(b[i].Balance) {
			return false
		}
	}
	return true
}
