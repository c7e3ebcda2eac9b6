package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/offline"
)

func (t *Terminal) Online() bool {
	return t.online.Load()
}

func (t *Terminal) SetOnline(online bool) {
	t.online.Store(online)
}

// StoreReachable is false after a transient store failure and true again
// after the next successful commit, drain or refresh. It does not change
// the connectivity status: the next checkout still tries the store.
func (t *Terminal) StoreReachable() bool {
	return !t.storeDown.Load()
}

// SetStatusReporter wires the connectivity monitor that learns when queued
// sales sync while the browser is reported offline.
func (t *Terminal) SetStatusReporter(report func(connectivity.Status)) {
	t.reporter.Store(&report)
}

func (t *Terminal) reportStatus(s connectivity.Status) {
	if fn := t.reporter.Load(); fn != nil {
		(*fn)(s)
	}
}

// Drain replays the queue, re-reads authoritative state and tells the
// cashier how many sales synced.
func (t *Terminal) Drain(ctx context.Context) (offline.DrainReport, error) {
	report, err := t.queue.Drain(ctx)
	if err != nil {
		return report, err
	}
	if report.Succeeded > 0 {
		t.storeDown.Store(false)
	} else if len(report.Failures) > 0 && report.Failures[0].Transient {
		t.storeDown.Store(true)
	}

	// The drain may have used up ctx's deadline.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.Refresh(rctx); err != nil {
		t.log.Warn("refresh after drain failed: " + err.Error())
	}
	if report.Succeeded > 0 && !t.Online() {
		t.reportStatus(connectivity.Online)
	}

	if report.Attempted > 0 {
		level := connectivity.LevelInfo
		msg := fmt.Sprintf("Synced %d of %d offline sales", report.Succeeded, report.Attempted)
		if report.Failed > 0 {
			level = connectivity.LevelWarning
			msg = fmt.Sprintf("%s, %d failed and will retry", msg, report.Failed)
		}
		t.notify(level, msg)
	}
	if len(report.Warnings) > 0 {
		t.notify(connectivity.LevelWarning, strings.Join(report.Warnings, "; "))
	}
	return report, nil
}

// HasUnsyncedSales reports whether a sale for the customer is still
// confirming or queued, meaning its due change has not reached the store.
func (t *Terminal) HasUnsyncedSales(ctx context.Context, customerID string) (bool, error) {
	t.mu.RLock()
	for _, sale := range t.inflight {
		if sale.CustomerID == customerID {
			t.mu.RUnlock()
			return true, nil
		}
	}
	t.mu.RUnlock()

	pending, err := t.queue.Pending(ctx)
	if err != nil {
		return false, err
	}
	for _, entry := range pending {
		if entry.Plan.CustomerID == customerID {
			return true, nil
		}
	}
	return false, nil
}

// GoOnline is the monitor's online handler.
func (t *Terminal) GoOnline(ctx context.Context) error {
	t.SetOnline(true)
	_, err := t.Drain(ctx)
	if errors.Is(err, offline.ErrDrainInProgress) {
		return nil
	}
	return err
}

// GoOffline is the monitor's offline handler.
func (t *Terminal) GoOffline(context.Context) {
	t.SetOnline(false)
}

func (t *Terminal) notify(level string, msg string) {
	if t.notifier == nil {
		return
	}
	t.notifier.Notify(connectivity.Notice{
		ShopID:  t.shopID,
		Level:   level,
		Message: msg,
		At:      t.now().UTC(),
	})
}
