package registrar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"svc-registrar/directory"
	"svc-registrar/registration"
	"svc-registrar/store"
)

// desiredState is what the reconciler may see and do. Writes only go through
// the registrar's own push/remove paths, never into the store.
type desiredState interface {
	snapshot() store.Snapshot
	list(ctx context.Context) (map[string]directory.Entry, error)
	remove(ctx context.Context, id string) error
	push(ctx context.Context, reg registration.Registration) int
}

// Report summarises one reconciliation run.
type Report struct {
	Listed   int   // managed entries found in the directory
	Pruned   int   // entries deregistered because nothing declares them
	Repushed int   // records pushed again because the directory lacked them
	Err      error // set when the run was aborted
}

// Reconciler periodically diffs the directory against the desired state.
//
// It is not a lock: register and unregister may run concurrently with a pass.
// Such overlaps can cost one extra corrective call on the next tick but
// always converge.
type Reconciler struct {
	state    desiredState
	interval time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewReconciler(state desiredState, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		state:    state,
		interval: interval,
		logger:   logger,
	}
}

// Start runs RunOnce every interval in a background goroutine. The first run
// happens after one full interval. Starting twice is a no-op.
func (rc *Reconciler) Start() {
	rc.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		rc.cancel = cancel
		rc.done = make(chan struct{})
		go rc.loop(ctx)
	})
}

// Stop prevents further runs and waits, until ctx is done, for a run in
// progress to return. Stopping an unstarted or stopped reconciler is fine.
func (rc *Reconciler) Stop(ctx context.Context) error {
	rc.startOnce.Do(func() {}) // a Start after Stop must not spawn a loop
	rc.stopOnce.Do(func() {
		if rc.cancel != nil {
			rc.cancel()
		}
	})
	if rc.done == nil {
		return nil
	}
	select {
	case <-rc.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconciler still running: %w", ctx.Err())
	}
}

func (rc *Reconciler) loop(ctx context.Context) {
	defer close(rc.done)

	// single goroutine: runs never overlap; ticks missed during a slow run are dropped
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.RunOnce(ctx)
		}
	}
}

// RunOnce performs one reconciliation:
//  1. List the managed entries. A failure aborts the run; it is never taken
//     to mean the directory is empty.
//  2. Deregister every listed entry whose ID no live registration declares.
//  3. Re-push every registration with at least one endpoint missing from the
//     listing. The whole registration is re-sent, not just the missing part.
func (rc *Reconciler) RunOnce(ctx context.Context) Report {
	observed, err := rc.state.list(ctx)
	if err != nil {
		rc.logger.Warn("failure during lookup of directory services", zap.Error(err))
		return Report{Err: err}
	}
	desired := rc.state.snapshot()
	report := Report{Listed: len(observed)}

	ids := make([]string, 0, len(observed))
	for id := range observed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if desired.Contains(id) {
			continue
		}
		rc.logger.Info("service not known locally, sending deregistration", zap.String("id", id))
		if err := rc.state.remove(ctx, id); err != nil {
			rc.logger.Warn("error deregistering orphan", zap.String("id", id), zap.Error(err))
			continue
		}
		report.Pruned++
	}

	for _, entry := range desired.Entries {
		for _, name := range entry.Registration.Names() {
			if _, ok := observed[name]; ok {
				continue
			}
			rc.logger.Info("service not known by directory, re-registering",
				zap.String("endpoint", name), zap.Stringer("handle", entry.Handle))
			report.Repushed += rc.state.push(ctx, entry.Registration)
			break
		}
	}

	if report.Pruned > 0 || report.Repushed > 0 {
		rc.logger.Info("reconciliation repaired drift",
			zap.Int("listed", report.Listed), zap.Int("pruned", report.Pruned), zap.Int("repushed", report.Repushed))
	} else {
		rc.logger.Debug("directory in sync", zap.Int("listed", report.Listed))
	}
	return report
}
