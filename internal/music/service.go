package music

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hxnx/calmstream/config"
	"github.com/rs/zerolog"
)

var (
	ErrResolverNil = errors.New("resolver is not configured")
	ErrLedgerNil   = errors.New("failure ledger is not configured")
	ErrSinkNil     = errors.New("media sink is not configured")
)

// Refresher renews whatever credentials the storage layer checks.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type ControllerOptions struct {
	Resolver  TrackResolver
	Ledger    *FailureLedger
	Sink      MediaSink
	Catalog   Catalog
	Telemetry Telemetry
	Auth      Refresher
	Metrics   Metrics
	Tuning    config.Tuning
	Logger    zerolog.Logger
	Clock     func() time.Time
}

func (o ControllerOptions) Validate() error {
	if o.Resolver == nil {
		return ErrResolverNil
	}
	if o.Ledger == nil {
		return ErrLedgerNil
	}
	if o.Sink == nil {
		return ErrSinkNil
	}
	return nil
}

func (o ControllerOptions) DebugString() string {
	return fmt.Sprintf(
		"resolver=%t ledger=%t sink=%t catalog=%t telemetry=%t auth=%t metrics=%t",
		o.Resolver != nil, o.Ledger != nil, o.Sink != nil, o.Catalog != nil,
		o.Telemetry != nil, o.Auth != nil, o.Metrics != nil,
	)
}

// NewController wires the queue, lock and session recorder around the
// supplied collaborators. Call Start before issuing commands.
func NewController(opts ControllerOptions) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger.With().Str("component", "controller").Logger()

	lock := NewTransitionLock(opts.Tuning.LockLease, opts.Tuning.MinTransitionInterval, opts.Logger).
		WithClock(now).
		OnForceRelease(metrics.LockForceReleased)
	queue := NewQueueManager(opts.Resolver, opts.Ledger, opts.Catalog, opts.Tuning, opts.Logger).
		OnExtend(metrics.QueueExtended)
	recorder := NewSessionRecorder(opts.Telemetry, opts.Logger).WithClock(now)

	return &Controller{
		queue:    queue,
		resolver: opts.Resolver,
		ledger:   opts.Ledger,
		lock:     lock,
		sink:     opts.Sink,
		catalog:  opts.Catalog,
		recorder: recorder,
		auth:     opts.Auth,
		metrics:  metrics,
		tuning:   opts.Tuning,
		logger:   logger,
		now:      now,
		state:    PlaybackState{Volume: 1, Index: -1},
	}, nil
}
