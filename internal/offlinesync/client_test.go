package offlinesync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/offlinecrud/internal/offline"
	"github.com/shopspring/decimal"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) add(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, string(notice.Kind))
	}
	return out
}

func newClientFixture(t *testing.T, remote *fakeRemote, opts ClientOptions) (*Client, *offline.Queue, *noticeLog) {
	t.Helper()
	backend := offline.NewMemoryBackend()
	queue := offline.NewQueue(backend, offline.QueueOptions{})
	mirror := offline.NewMirror(backend, nil)
	searches := offline.NewRecentSearches(backend, 0, nil)
	client, err := NewClient(remote, queue, mirror, searches, opts)
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	notices := &noticeLog{}
	client.Subscribe(notices.add)
	return client, queue, notices
}

func awaitReport(t *testing.T, ch <-chan SyncReport) SyncReport {
	t.Helper()
	if ch == nil {
		t.Fatalf("expected a reconciliation task")
	}
	select {
	case report, ok := <-ch:
		if !ok {
			t.Fatalf("reconciliation task ended without a report")
		}
		return report
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reconciliation")
	}
	return SyncReport{}
}

func TestOfflineMutationsReconcileToRemoteState(t *testing.T) {
	remote := newFakeRemote(
		offline.Record{ID: "1", Name: "Ana", Balance: decimal.NewFromInt(10)},
		offline.Record{ID: "2", Name: "Beto", Balance: decimal.NewFromInt(20)},
	)
	client, queue, notices := newClientFixture(t, remote, ClientOptions{})
	ctx := context.Background()
	if _, source := client.Fetch(ctx); source != SourceRemote {
		t.Fatalf("expected remote source while online, got %s", source)
	}

	client.SetOnline(ctx, false)
	carla, err := client.Save(ctx, offline.Record{Name: "Carla", Balance: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("offline create failed: %v", err)
	}
	if !carla.IsTemporary() {
		t.Fatalf("expected temporary identity, got %q", carla.ID)
	}
	if _, err := client.Save(ctx, offline.Record{ID: carla.ID, Name: "Carla B", Balance: decimal.NewFromInt(2)}); err != nil {
		t.Fatalf("amend failed: %v", err)
	}
	dora, err := client.Save(ctx, offline.Record{Name: "Dora", Balance: decimal.NewFromInt(3)})
	if err != nil {
		t.Fatalf("second offline create failed: %v", err)
	}
	if err := client.Delete(ctx, dora.ID); err != nil {
		t.Fatalf("delete temp failed: %v", err)
	}
	if _, err := client.Save(ctx, offline.Record{ID: "1", Name: "Ana Maria", Balance: decimal.NewFromInt(15)}); err != nil {
		t.Fatalf("offline update failed: %v", err)
	}
	if err := client.Delete(ctx, "2"); err != nil {
		t.Fatalf("offline delete failed: %v", err)
	}

	entries := queue.ListAll()
	if len(entries) != 3 {
		t.Fatalf("expected 3 pending entries, got %+v", entries)
	}
	if entries[0].Data.Name != "Carla B" {
		t.Fatalf("expected amended create, got %+v", entries[0])
	}
	mirror, source := client.Fetch(ctx)
	if source != SourceMirror {
		t.Fatalf("expected mirror source while offline, got %s", source)
	}
	if len(mirror) != 2 || mirror[0].ID != carla.ID || mirror[1].Name != "Ana Maria" {
		t.Fatalf("unexpected optimistic mirror %+v", mirror)
	}

	report := awaitReport(t, client.SetOnline(ctx, true))
	if report.Applied != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue after reconnect")
	}
	if !sameRecords(client.Mirror(), remote.snapshot()) {
		t.Fatalf("expected mirror %+v to equal remote %+v", client.Mirror(), remote.snapshot())
	}
	kinds := strings.Join(notices.kinds(), ",")
	if !strings.HasSuffix(kinds, "online,sync_completed") || !strings.HasPrefix(kinds, "offline,saved_offline") {
		t.Fatalf("unexpected notice sequence %s", kinds)
	}
}

func TestClientSaveFallsBackOfflineWhenUnreachable(t *testing.T) {
	remote := newFakeRemote()
	remote.setDown(true)
	client, queue, notices := newClientFixture(t, remote, ClientOptions{})

	saved, err := client.Save(context.Background(), offline.Record{Name: "Eva", Balance: decimal.NewFromInt(9)})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if client.Online() {
		t.Fatalf("expected client to switch offline")
	}
	if !saved.IsTemporary() || queue.Len() != 1 {
		t.Fatalf("expected queued create, got %+v / %+v", saved, queue.ListAll())
	}
	if got := strings.Join(notices.kinds(), ","); got != "offline,saved_offline" {
		t.Fatalf("unexpected notices %s", got)
	}
}

func TestClientSurfacesApplicationErrors(t *testing.T) {
	remote := newFakeRemote()
	client, queue, notices := newClientFixture(t, remote, ClientOptions{})

	err := client.Delete(context.Background(), "404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected APIError 404, got %v", err)
	}
	if !client.Online() || queue.Len() != 0 {
		t.Fatalf("application errors must not queue or flip offline")
	}
	if got := strings.Join(notices.kinds(), ","); got != "error" {
		t.Fatalf("expected error notice, got %s", got)
	}
}

func TestClientSaveRejectsInvalidRecord(t *testing.T) {
	client, _, _ := newClientFixture(t, newFakeRemote(), ClientOptions{})
	if _, err := client.Save(context.Background(), offline.Record{Name: "   "}); !errors.Is(err, offline.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestClientSearchRecordsTermAndFilters(t *testing.T) {
	remote := newFakeRemote(
		offline.Record{ID: "1", Name: "Ana"},
		offline.Record{ID: "2", Name: "Mariana"},
		offline.Record{ID: "3", Name: "Beto"},
	)
	client, _, _ := newClientFixture(t, remote, ClientOptions{})
	matches, source := client.Search(context.Background(), " ANA")
	if source != SourceRemote || len(matches) != 2 {
		t.Fatalf("expected 2 remote matches, got %+v from %s", matches, source)
	}
	client.Search(context.Background(), "beto")
	if got := client.RecentSearches(); !equalStrings(got, []string{"beto", "ANA"}) {
		t.Fatalf("unexpected recent searches %v", got)
	}
}

func TestClientSetOnlineWithoutTransition(t *testing.T) {
	client, _, notices := newClientFixture(t, newFakeRemote(), ClientOptions{StartOffline: true})
	if ch := client.SetOnline(context.Background(), false); ch != nil {
		t.Fatalf("expected nil channel without a transition")
	}
	if _, err := client.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	report := awaitReport(t, client.SetOnline(context.Background(), true))
	if !report.Empty {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if got := strings.Join(notices.kinds(), ","); got != "online" {
		t.Fatalf("expected only the online notice, got %s", got)
	}
}

func TestClientReplaysLeftoverLogOnFirstConfirmation(t *testing.T) {
	ctx := context.Background()
	backend := offline.NewMemoryBackend()
	earlier := offline.NewQueue(backend, offline.QueueOptions{})
	leftover := mustAppend(t, earlier, offline.ActionCreate, offline.Record{Name: "Carla", Balance: decimal.NewFromInt(3)})

	remote := newFakeRemote(offline.Record{ID: "1", Name: "Ana"})
	queue := offline.NewQueue(backend, offline.QueueOptions{})
	client, err := NewClient(remote, queue, offline.NewMirror(backend, nil), nil, ClientOptions{})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}

	records, source := client.Fetch(ctx)
	if source != SourceRemote || len(records) != 2 || records[0].ID != leftover.Data.ID {
		t.Fatalf("expected pending create overlaid on the remote listing, got %s %+v", source, records)
	}

	report := awaitReport(t, client.SetOnline(ctx, true))
	if report.Applied != 1 || queue.Len() != 0 {
		t.Fatalf("expected leftover create to replay, got %+v pending=%d", report, queue.Len())
	}
	if !sameRecords(client.Mirror(), remote.snapshot()) || len(remote.snapshot()) != 2 {
		t.Fatalf("expected mirror %+v to equal remote %+v", client.Mirror(), remote.snapshot())
	}
	if ch := client.SetOnline(ctx, true); ch != nil {
		t.Fatalf("expected later confirmations not to start a pass")
	}
}
