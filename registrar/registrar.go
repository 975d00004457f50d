// Package registrar mirrors the endpoints declared by a host application into
// a service-discovery directory, and keeps them there.
//
// Register pushes records immediately. Because the directory can forget
// everything (agent restart, expired lease) and pushes can fail, a Reconciler
// runs on a fixed interval and repairs drift in favour of the local desired
// state:
//
//	List(deployTag) → deregister entries nobody declares → re-push registrations with a missing endpoint
//
// Steady-state failures are logged and left to the next reconciliation; only
// invalid declarations and bad configuration surface as errors.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"svc-registrar/config"
	"svc-registrar/descriptor"
	"svc-registrar/directory"
	"svc-registrar/registration"
	"svc-registrar/store"
)

var ErrClosed = errors.New("registrar closed")

// Registrar is the facade used by the host application.
type Registrar struct {
	client     directory.Client
	store      *store.Store // owned; the reconciler only reads it
	builder    *descriptor.Builder
	reconciler *Reconciler
	logger     *zap.Logger

	stopTimeout time.Duration
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// New creates a Registrar on top of client and starts reconciliation. The
// first reconciliation runs one SyncInterval after New returns. cfg is
// expected to be valid (see config.Config.Validate).
func New(client directory.Client, cfg config.Config, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	stopTimeout := cfg.RequestTimeout
	if stopTimeout <= 0 {
		stopTimeout = config.DefaultRequestTimeout
	}
	r := &Registrar{
		client: client,
		store:  store.New(),
		builder: descriptor.NewBuilder(cfg.DeployTag, cfg.HealthCheckInterval,
			descriptor.WithScriptCheck(cfg.ScriptCommand, cfg.ScriptInterval),
			descriptor.WithLogger(logger.Named("descriptor"))),
		logger:      logger.Named("registrar"),
		stopTimeout: stopTimeout,
	}
	r.reconciler = NewReconciler(r, cfg.SyncInterval, logger.Named("reconciler"))
	r.reconciler.Start()
	return r
}

// Register stores reg under a new handle and pushes every endpoint to the
// directory. Push failures are logged only: the registration stays desired
// and the next reconciliation retries it. An invalid declaration is rejected
// before anything is stored.
func (r *Registrar) Register(ctx context.Context, reg registration.Registration) (registration.Handle, error) {
	if r.closed.Load() {
		return "", ErrClosed
	}
	records, err := r.builder.BuildAll(reg)
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}

	h := registration.NewHandle()
	for _, name := range r.store.Put(h, reg) {
		// last push wins in the directory since both use the same service ID
		r.logger.Error("endpoint names must be unique since they map to a directory service ID",
			zap.String("endpoint", name), zap.Stringer("handle", h))
	}

	r.pushRecords(ctx, records)
	return h, nil
}

// Unregister deregisters every endpoint of the registration behind h and
// forgets it. Unknown handles are ignored.
//
// The handle leaves the store before the directory calls, so a concurrent
// reconciliation prunes rather than re-pushes these endpoints.
func (r *Registrar) Unregister(ctx context.Context, h registration.Handle) {
	reg, ok := r.store.Remove(h)
	if !ok {
		return
	}
	for _, ep := range reg.Endpoints {
		if err := r.client.Remove(ctx, ep.Name); err != nil {
			r.logger.Warn("error removing registration",
				zap.String("endpoint", ep.Name), zap.Stringer("handle", h), zap.Error(err))
		}
	}
}

// Close stops reconciliation and releases the directory client. Both steps
// always run; their errors are combined. Calling Close again returns the
// first result.
func (r *Registrar) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
		defer cancel()

		var err error
		if stopErr := r.reconciler.Stop(ctx); stopErr != nil {
			r.logger.Error("error stopping reconciler", zap.Error(stopErr))
			err = multierr.Append(err, stopErr)
		}
		if closeErr := r.client.Close(); closeErr != nil {
			r.logger.Error("error closing directory client", zap.Error(closeErr))
			err = multierr.Append(err, closeErr)
		}
		r.closeErr = err
	})
	return r.closeErr
}

// Reconciler exposes the registrar's reconciler, mainly for forcing a run.
func (r *Registrar) Reconciler() *Reconciler {
	return r.reconciler
}

// The methods below are the reconciler's only access to registrar state.

func (r *Registrar) deployTag() string {
	return r.builder.DeployTag()
}

func (r *Registrar) snapshot() store.Snapshot {
	return r.store.Snapshot()
}

func (r *Registrar) list(ctx context.Context) (map[string]directory.Entry, error) {
	return r.client.List(ctx, r.deployTag())
}

func (r *Registrar) remove(ctx context.Context, id string) error {
	return r.client.Remove(ctx, id)
}

// push re-derives and pushes every record of reg, returning how many pushes
// succeeded.
func (r *Registrar) push(ctx context.Context, reg registration.Registration) int {
	records, err := r.builder.BuildAll(reg)
	if err != nil {
		// can't happen for stored registrations: Register validated them
		r.logger.Error("error deriving records", zap.Error(err))
		return 0
	}
	return r.pushRecords(ctx, records)
}

func (r *Registrar) pushRecords(ctx context.Context, records []directory.Record) int {
	pushed := 0
	for _, record := range records {
		if err := r.client.Push(ctx, record); err != nil {
			r.logger.Warn("error performing registration", zap.String("endpoint", record.ID), zap.Error(err))
			continue
		}
		pushed++
	}
	return pushed
}
