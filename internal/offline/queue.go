// Package offline persists sale plans that could not reach the remote store
// and replays them when connectivity returns.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/config"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/kv"
	"aasanpos/backend/internal/ledger"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/xid"
)

// SchemaVersion is written into every persisted queue envelope.
const SchemaVersion = 1

var (
	ErrUnsupportedSchema = errors.New("unsupported offline queue schema")
	ErrDrainInProgress   = errors.New("drain already in progress")
	ErrShopMismatch      = errors.New("plan belongs to another shop")
)

type State string

const (
	StateEmpty      State = "EMPTY"
	StateHasPending State = "HAS_PENDING"
	StateDraining   State = "DRAINING"
)

type Entry struct {
	EntryID    string              `json:"entry_id"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	Attempts   int                 `json:"attempts,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	Plan       domain.MutationPlan `json:"plan"`
}

type envelope struct {
	SchemaVersion int     `json:"schema_version"`
	Entries       []Entry `json:"entries"`
}

type Committer interface {
	Commit(ctx context.Context, plan domain.MutationPlan) (ledger.CommitResult, error)
}

type Failure struct {
	EntryID   string `json:"entry_id"`
	SaleID    string `json:"sale_id"`
	Error     string `json:"error"`
	Transient bool   `json:"transient"`
}

type DrainReport struct {
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
	Warnings  []string  `json:"warnings,omitempty"`
	Failures  []Failure `json:"failures,omitempty"`
}

func Key(shopID string) string {
	return "pendingSales_" + shopID
}

// Queue is the per-shop append-only log of pending plans.
type Queue struct {
	shopID    string
	kv        kv.Store
	committer Committer
	locker    kv.Locker
	log       logrus.FieldLogger
	now       func() time.Time

	// mu serialises read-modify-write cycles on the persisted list.
	mu       sync.Mutex
	drainMu  sync.Mutex
	draining atomic.Bool
}

func New(shopID string, store kv.Store, committer Committer, locker kv.Locker, log logrus.FieldLogger) *Queue {
	if locker == nil {
		locker = kv.NewLocalLocker()
	}
	return &Queue{
		shopID:    shopID,
		kv:        store,
		committer: committer,
		locker:    locker,
		log:       log.WithFields(logrus.Fields{"module": "offline", "shop_id": shopID}),
		now:       time.Now,
	}
}

func (q *Queue) ShopID() string {
	return q.shopID
}

// Enqueue durably appends the plan before returning. Enqueueing a plan id
// that is already pending returns the existing entry.
func (q *Queue) Enqueue(ctx context.Context, plan domain.MutationPlan) (Entry, error) {
	if plan.ShopID != q.shopID {
		return Entry{}, fmt.Errorf("%w: %s", ErrShopMismatch, plan.ShopID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Plan.ID == plan.ID {
			return e, nil
		}
	}

	entry := Entry{
		EntryID:    xid.New("entry"),
		EnqueuedAt: q.now().UTC(),
		Plan:       plan,
	}
	if err := q.save(ctx, append(entries, entry)); err != nil {
		config.LogError(q.log, "offline", "Enqueue", "persist pending sale", map[string]string{"plan_id": plan.ID}, err)
		return Entry{}, err
	}

	q.log.WithFields(logrus.Fields{"entry_id": entry.EntryID, "sale_id": plan.SaleID}).Info("sale queued for sync")
	return entry, nil
}

// Pending returns the queued entries in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *Queue) State(ctx context.Context) (State, error) {
	if q.draining.Load() {
		return StateDraining, nil
	}
	entries, err := q.Pending(ctx)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return StateEmpty, nil
	}
	return StateHasPending, nil
}

// Drain replays every pending plan in FIFO order. A failed entry stays
// queued and the pass continues with the next one. Entries enqueued while a
// pass runs are picked up by a further pass as long as nothing failed. The
// drain lock is refreshed before every entry; losing it stops the drain.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	if !q.drainMu.TryLock() {
		return DrainReport{}, ErrDrainInProgress
	}
	defer q.drainMu.Unlock()

	lease, err := q.locker.Obtain(ctx, "drain:"+q.shopID)
	if errors.Is(err, kv.ErrLockNotObtained) {
		return DrainReport{}, ErrDrainInProgress
	}
	if err != nil {
		return DrainReport{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			config.LogError(q.log, "offline", "Drain", "release drain lock", nil, err)
		}
	}()

	q.draining.Store(true)
	defer q.draining.Store(false)

	var report DrainReport
	attempted := map[string]bool{}
	for {
		pass, more, err := q.drainPass(ctx, lease, attempted)
		report.Attempted += pass.Attempted
		report.Succeeded += pass.Succeeded
		report.Failed += pass.Failed
		report.Remaining = pass.Remaining
		report.Warnings = append(report.Warnings, pass.Warnings...)
		report.Failures = append(report.Failures, pass.Failures...)
		if err != nil {
			return report, err
		}
		if !more || pass.Failed > 0 || ctx.Err() != nil {
			break
		}
	}

	q.log.WithFields(logrus.Fields{
		"attempted": report.Attempted,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"remaining": report.Remaining,
	}).Info("offline queue drained")
	return report, nil
}

// drainPass replays the entries pending at its start that no earlier pass of
// this drain attempted. more reports whether entries were appended meanwhile.
func (q *Queue) drainPass(ctx context.Context, lease kv.Lease, attempted map[string]bool) (report DrainReport, more bool, err error) {
	snapshot, err := q.Pending(ctx)
	if err != nil {
		return report, false, err
	}

	done := map[string]bool{}
	retried := map[string]Entry{}
	stopped := false
	for _, entry := range snapshot {
		if attempted[entry.EntryID] {
			continue
		}
		if ctx.Err() != nil {
			stopped = true
			break
		}
		if err := lease.Refresh(ctx); err != nil {
			q.log.Warn("drain lock lost, stopping: " + err.Error())
			stopped = true
			break
		}
		attempted[entry.EntryID] = true
		report.Attempted++

		res, err := q.committer.Commit(ctx, entry.Plan)
		if err != nil {
			entry.Attempts++
			entry.LastError = err.Error()
			retried[entry.EntryID] = entry
			report.Failed++
			report.Failures = append(report.Failures, Failure{
				EntryID:   entry.EntryID,
				SaleID:    entry.Plan.SaleID,
				Error:     err.Error(),
				Transient: store.IsTransient(err),
			})
			q.log.WithFields(logrus.Fields{
				"entry_id": entry.EntryID,
				"sale_id":  entry.Plan.SaleID,
				"attempts": entry.Attempts,
			}).Warn("replay failed, entry kept for retry: " + err.Error())
			continue
		}

		done[entry.EntryID] = true
		report.Succeeded++
		report.Warnings = append(report.Warnings, res.Warnings...)
		if res.AlreadyApplied {
			q.log.WithField("entry_id", entry.EntryID).Info("plan already applied remotely, dropping entry")
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.load(persistCtx)
	if err != nil {
		return report, false, err
	}
	remaining := make([]Entry, 0, len(current))
	for _, e := range current {
		if done[e.EntryID] {
			continue
		}
		if updated, ok := retried[e.EntryID]; ok {
			e = updated
		}
		if !attempted[e.EntryID] {
			more = true
		}
		remaining = append(remaining, e)
	}
	if err := q.save(persistCtx, remaining); err != nil {
		config.LogError(q.log, "offline", "Drain", "persist queue after drain", nil, err)
		return report, false, err
	}
	report.Remaining = len(remaining)
	return report, more && !stopped, nil
}

func (q *Queue) load(ctx context.Context) ([]Entry, error) {
	raw, ok, err := q.kv.Get(ctx, Key(q.shopID))
	if err != nil {
		return nil, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	return decode(raw)
}

func (q *Queue) save(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return q.kv.Remove(ctx, Key(q.shopID))
	}
	raw, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Entries: entries})
	if err != nil {
		return err
	}
	return q.kv.Set(ctx, Key(q.shopID), raw)
}

// decode reads the current envelope and upgrades the legacy bare array of
// plans written before the envelope existed.
func decode(raw []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '[' {
		var plans []domain.MutationPlan
		if err := json.Unmarshal(trimmed, &plans); err != nil {
			return nil, fmt.Errorf("decode legacy queue: %w", err)
		}
		entries := make([]Entry, 0, len(plans))
		for _, p := range plans {
			entries = append(entries, Entry{EntryID: p.ID, EnqueuedAt: p.CreatedAt, Plan: p})
		}
		return entries, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedSchema, env.SchemaVersion)
	}
	return env.Entries, nil
}
