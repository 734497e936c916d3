package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/offlinecrud/internal/offline"
)

var ErrSyncInProgress = errors.New("sync already in progress")

type Logger = offline.Logger

// FailurePolicy decides what happens to entries whose remote call failed.
type FailurePolicy string

const (
	// PolicyDrain drops failed entries once the pass is over.
	PolicyDrain FailurePolicy = "drain"
	// PolicyRetain keeps failed entries at the head of the log for the next pass.
	PolicyRetain FailurePolicy = "retain"
)

func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyDrain:
		return PolicyDrain, nil
	case PolicyRetain:
		return PolicyRetain, nil
	}
	return "", fmt.Errorf("%w: failure policy %q", offline.ErrInvalidInput, raw)
}

const DefaultEntryTimeout = 15 * time.Second

type ReconcilerOptions struct {
	Policy       FailurePolicy
	EntryTimeout time.Duration
	Logger       Logger
	Now          func() time.Time
}

type EntryResult struct {
	Change   offline.PendingChange `json:"change"`
	ServerID string                `json:"serverId,omitempty"`
	Err      error                 `json:"-"`
	Error    string                `json:"error,omitempty"`
}

type SyncReport struct {
	Started      time.Time     `json:"started"`
	Finished     time.Time     `json:"finished"`
	Empty        bool          `json:"empty"`
	Applied      int           `json:"applied"`
	Failed       int           `json:"failed"`
	Retained     int           `json:"retained"`
	Interrupted  bool          `json:"interrupted,omitempty"`
	Results      []EntryResult `json:"results,omitempty"`
	RefreshErr   error         `json:"-"`
	RefreshError string        `json:"refreshError,omitempty"`
}

// Reconciler replays the pending-change log against the remote API, one entry
// at a time in log order, then refreshes the mirror.
type Reconciler struct {
	queue        *offline.Queue
	mirror       *offline.Mirror
	remote       RemoteClient
	policy       FailurePolicy
	entryTimeout time.Duration
	logger       Logger
	now          func() time.Time

	running atomic.Bool
}

func NewReconciler(queue *offline.Queue, mirror *offline.Mirror, remote RemoteClient, opts ReconcilerOptions) (*Reconciler, error) {
	if queue == nil || mirror == nil {
		return nil, fmt.Errorf("queue and mirror are required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	policy, err := ParseFailurePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		queue:        queue,
		mirror:       mirror,
		remote:       remote,
		policy:       policy,
		entryTimeout: opts.EntryTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if r.entryTimeout <= 0 {
		r.entryTimeout = DefaultEntryTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func (r *Reconciler) Policy() FailurePolicy {
	return r.policy
}

func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Run performs one reconciliation pass. A call made while another pass is in
// flight returns ErrSyncInProgress without touching the log.
func (r *Reconciler) Run(ctx context.Context) (SyncReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return SyncReport{}, ErrSyncInProgress
	}
	defer r.running.Store(false)

	report := SyncReport{Started: r.now()}
	snapshot := r.queue.ListAll()
	if len(snapshot) == 0 {
		report.Empty = true
		report.Finished = r.now()
		return report, nil
	}

	resolved := map[string]string{}
	var retained []offline.PendingChange
	attempted := 0
	for _, change := range snapshot {
		if ctx.Err() != nil {
			break
		}
		result := r.apply(ctx, change, resolved)
		if result.Err != nil && ctx.Err() != nil {
			break
		}
		attempted++
		report.Results = append(report.Results, result)
		if result.Err == nil {
			report.Applied++
			continue
		}
		report.Failed++
		r.logf("offlinesync: %s %s failed: %v", change.Action, change.Data.ID, result.Err)
		if r.policy == PolicyRetain {
			retained = append(retained, withResolvedID(change, resolved))
		}
	}
	if attempted < len(snapshot) {
		report.Interrupted = true
		for _, change := range snapshot[attempted:] {
			retained = append(retained, withResolvedID(change, resolved))
		}
	}
	report.Retained = len(retained)
	if err := r.queue.Settle(snapshot, retained); err != nil {
		r.logf("offlinesync: settle pending log failed: %v", err)
		report.Finished = r.now()
		return report, err
	}

	if err := r.refreshMirror(ctx); err != nil {
		r.logf("offlinesync: mirror refresh failed: %v", err)
		report.RefreshErr = err
		report.RefreshError = err.Error()
	}
	report.Finished = r.now()
	return report, nil
}

func (r *Reconciler) apply(ctx context.Context, change offline.PendingChange, resolved map[string]string) EntryResult {
	entryCtx, cancel := context.WithTimeout(ctx, r.entryTimeout)
	defer cancel()

	result := EntryResult{Change: change}
	data := withResolvedID(change, resolved).Data
	var err error
	switch change.Action {
	case offline.ActionCreate:
		data.ID = ""
		var created offline.Record
		created, err = r.remote.Create(entryCtx, data)
		if err == nil {
			result.ServerID = created.ID
			if created.ID != "" {
				resolved[change.Data.ID] = created.ID
			}
		}
	case offline.ActionUpdate:
		if offline.IsTempID(data.ID) {
			err = fmt.Errorf("%w: %s", offline.ErrTemporaryIdentity, data.ID)
			break
		}
		err = r.remote.Update(entryCtx, data)
	case offline.ActionDelete:
		if offline.IsTempID(data.ID) {
			err = fmt.Errorf("%w: %s", offline.ErrTemporaryIdentity, data.ID)
			break
		}
		err = r.remote.Delete(entryCtx, data.ID)
	default:
		err = fmt.Errorf("%w: action %q", offline.ErrInvalidInput, change.Action)
	}
	if err != nil {
		result.Err = err
		result.Error = err.Error()
	}
	return result
}

func (r *Reconciler) refreshMirror(ctx context.Context) error {
	refreshCtx, cancel := context.WithTimeout(ctx, r.entryTimeout)
	defer cancel()
	records, err := r.remote.List(refreshCtx)
	if err != nil {
		return err
	}
	return r.mirror.Replace(offline.ApplyPending(records, r.queue.ListAll()))
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

func withResolvedID(change offline.PendingChange, resolved map[string]string) offline.PendingChange {
	if serverID, ok := resolved[change.Data.ID]; ok && change.Action != offline.ActionCreate {
		change.Data.ID = serverID
	}
	return change
}
