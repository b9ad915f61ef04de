package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/process-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrQueueItemNotFound  = errors.New("queue item not found")
	// ErrQueueEmpty is returned by ClaimQueueItem when nothing is due.
	ErrQueueEmpty = errors.New("no queue item ready")

	// ErrConflict is the root of every optimistic-concurrency failure. Callers may retry.
	ErrConflict           = errors.New("storage conflict")
	ErrDefinitionExists   = fmt.Errorf("%w: definition already exists", ErrConflict)
	ErrVersionConflict    = fmt.Errorf("%w: context version already exists", ErrConflict)
	ErrRevisionConflict   = fmt.Errorf("%w: instance revision changed", ErrConflict)
	ErrTaskStatusConflict = fmt.Errorf("%w: task status changed", ErrConflict)
	ErrOpenTaskExists     = fmt.Errorf("%w: open task already exists for node", ErrConflict)
	ErrClaimLost          = fmt.Errorf("%w: queue item claim lost", ErrConflict)
	ErrInstanceExists     = fmt.Errorf("%w: instance already exists", ErrConflict)
)

// Storage persists definitions, instances, tasks, context versions, history events and queue items.
// Every write that must be atomic across tables goes through Apply.
type Storage interface {
	// SaveDefinition stores a new immutable definition; an existing id yields ErrDefinitionExists.
	SaveDefinition(ctx context.Context, def types.Definition) error
	// GetDefinition retrieves a definition by id.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)
	// LatestDefinitionVersion returns the highest version stored for key, or 0.
	LatestDefinitionVersion(ctx context.Context, key string) (int, error)

	// GetInstance retrieves an instance by id.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)
	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, id uint64) (types.Task, error)
	// ListTasks returns the tasks of an instance ordered by id.
	ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error)
	// LatestContext returns the context version with the highest version number.
	LatestContext(ctx context.Context, instanceID uint64) (types.ContextVersion, error)
	// ListContextVersions returns every context version of an instance in version order.
	ListContextVersions(ctx context.Context, instanceID uint64) ([]types.ContextVersion, error)
	// ListHistory returns the history events of an instance in write order.
	ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error)

	// Apply commits a mutation atomically: either every guard holds and every write lands, or nothing changes.
	Apply(ctx context.Context, m Mutation) error

	// ClaimQueueItem atomically claims the next due item for workerID. Due items are PENDING with
	// NextAttemptAt <= now, or RUNNING with a claim older than leaseTTL. An ADVANCE_INSTANCE item is
	// skipped while another ADVANCE_INSTANCE item for the same instance holds a live claim.
	ClaimQueueItem(ctx context.Context, workerID string, now time.Time, leaseTTL time.Duration) (types.QueueItem, error)
	// GetQueueItem retrieves a queue item by id.
	GetQueueItem(ctx context.Context, id uint64) (types.QueueItem, error)
	// PruneQueue removes SUCCEEDED items and failure-recorded FAILED items last updated before cutoff.
	PruneQueue(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the underlying connections.
	Close() error
}

// Mutation is an atomic write-set with optimistic guards.
type Mutation struct {
	// NewInstance is inserted; an existing id yields ErrInstanceExists.
	NewInstance *types.Instance
	// Instance replaces the stored instance when the stored revision equals Instance.Revision.
	// The stored revision becomes Instance.Revision+1.
	Instance *types.Instance
	// NewTasks are inserted; an open task on the same (instance, node) yields ErrOpenTaskExists.
	NewTasks []types.Task
	// Task replaces a stored task whose current status is one of TaskUpdate.From.
	Task *TaskUpdate
	// Context is appended when its Version is exactly the stored maximum plus one.
	Context *types.ContextVersion
	// Events are appended to the history log.
	Events []types.HistoryEvent
	// Enqueue inserts queue items. ADVANCE_INSTANCE items coalesce with a PENDING item for the same instance.
	Enqueue []types.QueueItem
	// Queue replaces a queue item still claimed by Queue.ClaimedBy. An ADVANCE_INSTANCE item put
	// back to PENDING absorbs any other PENDING item for the same instance.
	Queue *QueueUpdate
}

// Empty reports whether the mutation writes nothing.
func (m Mutation) Empty() bool {
	return m.NewInstance == nil && m.Instance == nil && len(m.NewTasks) == 0 && m.Task == nil &&
		m.Context == nil && len(m.Events) == 0 && len(m.Enqueue) == 0 && m.Queue == nil
}

// TaskUpdate is a guarded task write.
type TaskUpdate struct {
	Task types.Task
	From []types.TaskStatus
}

func (u TaskUpdate) allows(status types.TaskStatus) bool {
	for _, s := range u.From {
		if s == status {
			return true
		}
	}
	return false
}

// QueueUpdate is a guarded queue item write.
type QueueUpdate struct {
	Item      types.QueueItem
	ClaimedBy string
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
