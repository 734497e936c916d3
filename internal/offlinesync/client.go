package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/offlinecrud/internal/offline"
)

var ErrOffline = errors.New("client is offline")

type Source string

const (
	SourceRemote Source = "remote"
	SourceMirror Source = "mirror"
)

type NoticeKind string

const (
	NoticeSavedOffline   NoticeKind = "saved_offline"
	NoticeDeletedOffline NoticeKind = "deleted_offline"
	NoticeSyncCompleted  NoticeKind = "sync_completed"
	NoticeError          NoticeKind = "error"
	NoticeOnline         NoticeKind = "online"
	NoticeOffline        NoticeKind = "offline"
)

// Notice is what the UI layer shows the user.
type Notice struct {
	Kind    NoticeKind  `json:"kind"`
	Message string      `json:"message,omitempty"`
	Report  *SyncReport `json:"report,omitempty"`
	Time    time.Time   `json:"time"`
}

type ClientOptions struct {
	Logger       Logger
	StartOffline bool
	Reconcile    ReconcilerOptions
	Now          func() time.Time
}

// Client is the offline-capable customers client. Online it talks to the API
// directly; offline it records changes in the queue and patches the mirror so
// reads stay consistent until the next reconciliation.
type Client struct {
	remote     RemoteClient
	queue      *offline.Queue
	mirror     *offline.Mirror
	searches   *offline.RecentSearches
	reconciler *Reconciler
	logger     Logger
	now        func() time.Time

	mu        sync.Mutex
	online    bool
	confirmed bool
	observers []func(Notice)
}

func NewClient(remote RemoteClient, queue *offline.Queue, mirror *offline.Mirror, searches *offline.RecentSearches, opts ClientOptions) (*Client, error) {
	if opts.Reconcile.Logger == nil {
		opts.Reconcile.Logger = opts.Logger
	}
	if opts.Reconcile.Now == nil {
		opts.Reconcile.Now = opts.Now
	}
	reconciler, err := NewReconciler(queue, mirror, remote, opts.Reconcile)
	if err != nil {
		return nil, err
	}
	if searches == nil {
		searches = offline.NewRecentSearches(nil, 0, opts.Logger)
	}
	c := &Client{
		remote:     remote,
		queue:      queue,
		mirror:     mirror,
		searches:   searches,
		reconciler: reconciler,
		logger:     opts.Logger,
		now:        opts.Now,
		online:     !opts.StartOffline,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Client) Pending() []offline.PendingChange {
	return c.queue.ListAll()
}

func (c *Client) Mirror() []offline.Record {
	return c.mirror.Read()
}

func (c *Client) RecentSearches() []string {
	return c.searches.All()
}

// RememberSearch records term without running the search.
func (c *Client) RememberSearch(term string) ([]string, error) {
	return c.searches.Add(term)
}

// SubscribePending registers fn for every persisted change to the pending log.
func (c *Client) SubscribePending(fn func([]offline.PendingChange)) {
	c.queue.Subscribe(fn)
}

func (c *Client) Policy() FailurePolicy {
	return c.reconciler.Policy()
}

func (c *Client) Syncing() bool {
	return c.reconciler.Running()
}

// Subscribe registers fn for notices. Observers run synchronously on the
// goroutine that produced the notice.
func (c *Client) Subscribe(fn func(Notice)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Fetch lists records from the API and refreshes the mirror. Any failure falls
// back to the mirror.
func (c *Client) Fetch(ctx context.Context) ([]offline.Record, Source) {
	if c.Online() {
		records, err := c.remote.List(ctx)
		if err == nil {
			if c.queue.Len() > 0 {
				records = offline.ApplyPending(records, c.queue.ListAll())
			}
			if err := c.mirror.Replace(records); err != nil {
				c.logf("offlinesync: mirror replace failed: %v", err)
			}
			return records, SourceRemote
		}
		c.logf("offlinesync: fetch failed, serving mirror: %v", err)
		if errors.Is(err, ErrUnreachable) {
			c.SetOnline(ctx, false)
		}
	}
	return c.mirror.Read(), SourceMirror
}

// Save creates a record without identity or updates an existing one.
func (c *Client) Save(ctx context.Context, record offline.Record) (offline.Record, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.Name = strings.TrimSpace(record.Name)
	if err := offline.ValidateRecord(record); err != nil {
		return offline.Record{}, err
	}

	if record.IsTemporary() {
		return c.amendPending(record)
	}
	if !c.Online() {
		return c.saveOffline(record)
	}

	saved := record
	var err error
	if record.ID == "" {
		saved, err = c.remote.Create(ctx, record)
	} else {
		err = c.remote.Update(ctx, record)
	}
	if err != nil {
		if errors.Is(err, ErrUnreachable) {
			c.logf("offlinesync: save failed, queueing offline: %v", err)
			c.SetOnline(ctx, false)
			return c.saveOffline(record)
		}
		c.emit(Notice{Kind: NoticeError, Message: err.Error()})
		return offline.Record{}, err
	}
	c.Fetch(ctx)
	return saved, nil
}

func (c *Client) amendPending(record offline.Record) (offline.Record, error) {
	patch := offline.PatchFrom(record)
	if err := c.queue.Amend(record.ID, patch); err != nil {
		return offline.Record{}, err
	}
	if _, err := c.mirror.Update(record.ID, patch); err != nil {
		c.logf("offlinesync: mirror update failed: %v", err)
	}
	c.emit(Notice{Kind: NoticeSavedOffline, Message: "change saved offline"})
	return record, nil
}

func (c *Client) saveOffline(record offline.Record) (offline.Record, error) {
	if record.ID == "" {
		entry, err := c.queue.Append(offline.ActionCreate, record)
		if err != nil {
			return offline.Record{}, err
		}
		record = entry.Data
		if err := c.mirror.Insert(record); err != nil {
			c.logf("offlinesync: mirror insert failed: %v", err)
		}
	} else {
		if _, err := c.queue.Append(offline.ActionUpdate, record); err != nil {
			return offline.Record{}, err
		}
		if _, err := c.mirror.Update(record.ID, offline.PatchFrom(record)); err != nil {
			c.logf("offlinesync: mirror update failed: %v", err)
		}
	}
	c.emit(Notice{Kind: NoticeSavedOffline, Message: "change saved offline"})
	return record, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return offline.ErrInvalidInput
	}
	if offline.IsTempID(id) {
		if err := c.queue.RemoveCreate(id); err != nil {
			return err
		}
		if _, err := c.mirror.Remove(id); err != nil {
			c.logf("offlinesync: mirror remove failed: %v", err)
		}
		c.emit(Notice{Kind: NoticeDeletedOffline, Message: "record deleted offline"})
		return nil
	}
	if !c.Online() {
		return c.deleteOffline(id)
	}
	if err := c.remote.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrUnreachable) {
			c.logf("offlinesync: delete failed, queueing offline: %v", err)
			c.SetOnline(ctx, false)
			return c.deleteOffline(id)
		}
		c.emit(Notice{Kind: NoticeError, Message: err.Error()})
		return err
	}
	c.Fetch(ctx)
	return nil
}

func (c *Client) deleteOffline(id string) error {
	if _, err := c.queue.Append(offline.ActionDelete, offline.Record{ID: id}); err != nil {
		return err
	}
	if _, err := c.mirror.Remove(id); err != nil {
		c.logf("offlinesync: mirror remove failed: %v", err)
	}
	c.emit(Notice{Kind: NoticeDeletedOffline, Message: "record deleted offline"})
	return nil
}

// Search records term in the recent searches and returns records whose name
// contains it, ignoring case.
func (c *Client) Search(ctx context.Context, term string) ([]offline.Record, Source) {
	if _, err := c.searches.Add(term); err != nil {
		c.logf("offlinesync: save recent search failed: %v", err)
	}
	records, source := c.Fetch(ctx)
	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return records, source
	}
	matches := make([]offline.Record, 0, len(records))
	for _, record := range records {
		if strings.Contains(strings.ToLower(record.Name), needle) {
			matches = append(matches, record)
		}
	}
	return matches, source
}

// SetOnline records a connectivity change. An offline-to-online transition
// starts one reconciliation and returns a channel that yields its report and
// is then closed; the channel closes without a value if the pass could not
// run. The first confirmation of connectivity also starts one when a pending
// log survived from an earlier run. Any other call returns nil.
func (c *Client) SetOnline(ctx context.Context, online bool) <-chan SyncReport {
	c.mu.Lock()
	changed := c.online != online
	first := online && !c.confirmed
	if online {
		c.confirmed = true
	}
	c.online = online
	c.mu.Unlock()
	if !changed {
		if first && c.queue.Len() > 0 {
			return c.startSync(ctx)
		}
		return nil
	}
	if !online {
		c.emit(Notice{Kind: NoticeOffline, Message: "working offline"})
		return nil
	}
	c.emit(Notice{Kind: NoticeOnline, Message: "connection restored"})
	return c.startSync(ctx)
}

func (c *Client) startSync(ctx context.Context) <-chan SyncReport {
	done := make(chan SyncReport, 1)
	go func() {
		defer close(done)
		report, err := c.Sync(ctx)
		if err != nil {
			c.logf("offlinesync: reconciliation after reconnect failed: %v", err)
			return
		}
		done <- report
	}()
	return done
}

// Sync runs a reconciliation pass now.
func (c *Client) Sync(ctx context.Context) (SyncReport, error) {
	if !c.Online() {
		return SyncReport{}, ErrOffline
	}
	report, err := c.reconciler.Run(ctx)
	if err != nil {
		return report, err
	}
	if report.Empty {
		return report, nil
	}
	message := fmt.Sprintf("synchronized %d change(s)", report.Applied)
	if report.Failed > 0 {
		message += fmt.Sprintf(", %d failed", report.Failed)
	}
	c.emit(Notice{Kind: NoticeSyncCompleted, Message: message, Report: &report})
	return report, nil
}

func (c *Client) emit(notice Notice) {
	if notice.Time.IsZero() {
		notice.Time = c.now().UTC()
	}
	c.mu.Lock()
	observers := append([]func(Notice){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(notice)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
