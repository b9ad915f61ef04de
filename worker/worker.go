// Package worker consumes the execution queue: instance advancements and service task invocations.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/process-engine/internal/log"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

// Options tunes a Worker. Zero fields fall back to DefaultOptions.
type Options struct {
	// Workers is the number of concurrent pollers started by Run.
	Workers      int
	PollInterval time.Duration
	// LeaseTTL is how long a claim is honoured before another worker may take the item over.
	LeaseTTL    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// ServiceTimeout bounds one service call when neither the node nor the function sets one.
	ServiceTimeout time.Duration
	// StoreTimeout bounds each queue read or write.
	StoreTimeout  time.Duration
	Retention     time.Duration
	PruneInterval time.Duration
}

// DefaultOptions returns the settings used for unset fields.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		PollInterval:   500 * time.Millisecond,
		LeaseTTL:       2 * time.Minute,
		MaxAttempts:    5,
		BackoffBase:    time.Second,
		BackoffCap:     5 * time.Minute,
		ServiceTimeout: 30 * time.Second,
		StoreTimeout:   10 * time.Second,
		Retention:      24 * time.Hour,
		PruneInterval:  10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = d.BackoffCap
	}
	if o.ServiceTimeout <= 0 {
		o.ServiceTimeout = d.ServiceTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = d.PruneInterval
	}
	return o
}

// Worker claims queue items and dispatches them to the engine. Several workers, in one
// process or many, may share a store.
type Worker struct {
	id     string
	engine *workflow.Engine
	store  storage.Storage
	opts   Options
	logger logrus.FieldLogger
	now    func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithID sets the worker identity written to claimed_by.
func WithID(id string) Option {
	return func(w *Worker) {
		w.id = id
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithClock replaces the engine clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// New creates a Worker for engine.
func New(engine *workflow.Engine, opts Options, options ...Option) *Worker {
	w := &Worker{
		id:     "worker-" + uuid.NewString(),
		engine: engine,
		store:  engine.Storage(),
		opts:   opts.withDefaults(),
		logger: log.GetLogger(),
		now:    engine.Now,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// ID returns the worker identity.
func (w *Worker) ID() string {
	return w.id
}

// Run polls the queue with Options.Workers concurrent pollers and prunes finished items until
// ctx is cancelled. An item being processed at shutdown is abandoned in place; its lease expires
// and another worker takes it over.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Workers; i++ {
		pollerID := fmt.Sprintf("%s-%d", w.id, i)
		g.Go(func() error {
			return w.poll(ctx, pollerID)
		})
	}
	g.Go(func() error {
		return w.pruneLoop(ctx)
	})

	w.logger.WithFields(logrus.Fields{"worker_id": w.id, "pollers": w.opts.Workers}).Info("worker started")
	err := g.Wait()
	w.logger.WithField("worker_id", w.id).Info("worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		for {
			processed, err := w.processNext(ctx, workerID)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				w.logger.WithError(err).WithField("worker_id", workerID).Warn("queue processing failed")
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Prune(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("queue pruning failed")
			}
		}
	}
}

// Prune deletes finished queue items older than the retention window.
func (w *Worker) Prune(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	defer cancel()
	n, err := w.store.PruneQueue(ctx, w.now().Add(-w.opts.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.WithField("pruned", n).Debug("queue pruned")
	}
	return n, nil
}

// ProcessNext claims and handles one due item. It reports false when nothing was due.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	return w.processNext(ctx, w.id)
}

func (w *Worker) processNext(ctx context.Context, workerID string) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	item, err := w.store.ClaimQueueItem(claimCtx, workerID, w.now(), w.opts.LeaseTTL)
	cancel()
	if errors.Is(err, storage.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim queue item: %w", err)
	}

	j := &job{
		w:        w,
		workerID: workerID,
		item:     item,
		logger: w.logger.WithFields(logrus.Fields{
			"worker_id":     workerID,
			"queue_item_id": item.ID,
			"kind":          item.Kind,
			"payload":       item.Payload,
			"attempt":       item.AttemptCount + 1,
		}),
	}
	j.logger.Debug("queue item claimed")

	switch item.Kind {
	case types.KindAdvanceInstance:
		err = j.advance(ctx)
	case types.KindInvokeService:
		err = j.invokeService(ctx)
	default:
		err = j.finish(ctx, types.QueueFailed, fmt.Sprintf("unknown queue item kind %q", item.Kind), false)
	}
	return true, err
}

// backoff returns BackoffBase * 2^(attempt-1), capped at BackoffCap.
func (w *Worker) backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(w.opts.BackoffCap, retry.NewExponential(w.opts.BackoffBase))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}
