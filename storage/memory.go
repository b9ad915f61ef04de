package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/process-engine/types"
)

type openKey struct {
	instanceID uint64
	nodeID     string
}

// MemoryStorage is an in-memory implementation of the Storage interface.
// A single RWMutex serializes writers, which makes every Apply and claim atomic.
type MemoryStorage struct {
	definitions map[uint64]types.Definition
	latest      map[string]int
	instances   map[uint64]types.Instance
	tasks       map[uint64]types.Task
	byInstance  map[uint64][]uint64
	open        map[openKey]uint64
	contexts    map[uint64][]types.ContextVersion
	history     map[uint64][]types.HistoryEvent
	queue       map[uint64]types.QueueItem
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.Definition),
		latest:      make(map[string]int),
		instances:   make(map[uint64]types.Instance),
		tasks:       make(map[uint64]types.Task),
		byInstance:  make(map[uint64][]uint64),
		open:        make(map[openKey]uint64),
		contexts:    make(map[uint64][]types.ContextVersion),
		history:     make(map[uint64][]types.HistoryEvent),
		queue:       make(map[uint64]types.QueueItem),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.definitions[def.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrDefinitionExists, def.ID)
		}
		for _, d := range s.definitions {
			if d.Key == def.Key && d.Version == def.Version {
				return fmt.Errorf("%w: key=%s version=%d", ErrDefinitionExists, def.Key, def.Version)
			}
		}
		s.definitions[def.ID] = def
		if def.Version > s.latest[def.Key] {
			s.latest[def.Key] = def.Version
		}
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// LatestDefinitionVersion returns the highest stored version for key.
func (s *MemoryStorage) LatestDefinitionVersion(ctx context.Context, key string) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.latest[key], nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	inst.Frontier = append([]string(nil), inst.Frontier...)
	return inst, nil
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

// ListTasks returns the tasks of an instance ordered by id.
func (s *MemoryStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ids := s.byInstance[instanceID]
		out := make([]types.Task, 0, len(ids))
		for _, id := range ids {
			out = append(out, s.tasks[id])
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// LatestContext returns the newest context version of an instance.
func (s *MemoryStorage) LatestContext(ctx context.Context, instanceID uint64) (types.ContextVersion, error) {
	return withContext(ctx, func() (types.ContextVersion, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		versions := s.contexts[instanceID]
		if len(versions) == 0 {
			return types.ContextVersion{}, fmt.Errorf("%w: no context for id=%d", ErrInstanceNotFound, instanceID)
		}
		return versions[len(versions)-1], nil
	})
}

// ListContextVersions returns all context versions of an instance.
func (s *MemoryStorage) ListContextVersions(ctx context.Context, instanceID uint64) ([]types.ContextVersion, error) {
	return withContext(ctx, func() ([]types.ContextVersion, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.ContextVersion(nil), s.contexts[instanceID]...), nil
	})
}

// ListHistory returns the history of an instance in write order.
func (s *MemoryStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	return withContext(ctx, func() ([]types.HistoryEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.HistoryEvent(nil), s.history[instanceID]...), nil
	})
}

// Apply commits m under the write lock after checking every guard.
func (s *MemoryStorage) Apply(ctx context.Context, m Mutation) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.check(m); err != nil {
			return err
		}
		s.write(m)
		return nil
	})
}

func (s *MemoryStorage) check(m Mutation) error {
	if m.NewInstance != nil {
		if _, ok := s.instances[m.NewInstance.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, m.NewInstance.ID)
		}
	}
	if m.Instance != nil {
		stored, ok := s.instances[m.Instance.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, m.Instance.ID)
		}
		if stored.Revision != m.Instance.Revision {
			return fmt.Errorf("%w: id=%d have=%d want=%d", ErrRevisionConflict, m.Instance.ID, stored.Revision, m.Instance.Revision)
		}
	}

	closing := make(map[openKey]bool)
	if m.Task != nil {
		stored, ok := s.tasks[m.Task.Task.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrTaskNotFound, m.Task.Task.ID)
		}
		if !m.Task.allows(stored.Status) {
			return fmt.Errorf("%w: id=%d status=%s", ErrTaskStatusConflict, stored.ID, stored.Status)
		}
		if !m.Task.Task.Status.Open() {
			closing[openKey{stored.InstanceID, stored.NodeID}] = true
		}
	}
	creating := make(map[openKey]bool)
	for _, t := range m.NewTasks {
		if !t.Status.Open() {
			continue
		}
		k := openKey{t.InstanceID, t.NodeID}
		if _, exists := s.open[k]; (exists && !closing[k]) || creating[k] {
			return fmt.Errorf("%w: instance=%d node=%s", ErrOpenTaskExists, t.InstanceID, t.NodeID)
		}
		creating[k] = true
	}

	if m.Context != nil {
		current := len(s.contexts[m.Context.InstanceID])
		if m.Context.Version != current+1 {
			return fmt.Errorf("%w: instance=%d version=%d latest=%d", ErrVersionConflict, m.Context.InstanceID, m.Context.Version, current)
		}
	}

	if m.Queue != nil {
		stored, ok := s.queue[m.Queue.Item.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrQueueItemNotFound, m.Queue.Item.ID)
		}
		if stored.Status != types.QueueRunning || stored.ClaimedBy != m.Queue.ClaimedBy {
			return fmt.Errorf("%w: id=%d", ErrClaimLost, stored.ID)
		}
	}
	return nil
}

func (s *MemoryStorage) write(m Mutation) {
	if m.NewInstance != nil {
		inst := *m.NewInstance
		inst.Frontier = append([]string(nil), inst.Frontier...)
		s.instances[inst.ID] = inst
	}
	if m.Instance != nil {
		inst := *m.Instance
		inst.Frontier = append([]string(nil), inst.Frontier...)
		inst.Revision++
		s.instances[inst.ID] = inst
	}
	if m.Task != nil {
		t := m.Task.Task
		k := openKey{t.InstanceID, t.NodeID}
		if t.Status.Open() {
			s.open[k] = t.ID
		} else if s.open[k] == t.ID {
			delete(s.open, k)
		}
		s.tasks[t.ID] = t
	}
	for _, t := range m.NewTasks {
		s.tasks[t.ID] = t
		s.byInstance[t.InstanceID] = append(s.byInstance[t.InstanceID], t.ID)
		if t.Status.Open() {
			s.open[openKey{t.InstanceID, t.NodeID}] = t.ID
		}
	}
	if m.Context != nil {
		s.contexts[m.Context.InstanceID] = append(s.contexts[m.Context.InstanceID], *m.Context)
	}
	for _, e := range m.Events {
		s.history[e.InstanceID] = append(s.history[e.InstanceID], e)
	}
	if m.Queue != nil {
		item := m.Queue.Item
		if item.Kind == types.KindAdvanceInstance && item.Status == types.QueuePending {
			if other, ok := s.pendingAdvance(item.Payload); ok && other.ID != item.ID {
				item.NextAttemptAt = minTime(item.NextAttemptAt, other.NextAttemptAt)
				delete(s.queue, other.ID)
			}
		}
		s.queue[item.ID] = item
	}
	for _, item := range m.Enqueue {
		if item.Kind == types.KindAdvanceInstance {
			if existing, ok := s.pendingAdvance(item.Payload); ok {
				existing.NextAttemptAt = minTime(existing.NextAttemptAt, item.NextAttemptAt)
				existing.UpdatedAt = item.UpdatedAt
				s.queue[existing.ID] = existing
				continue
			}
		}
		s.queue[item.ID] = item
	}
}

func (s *MemoryStorage) pendingAdvance(instanceID uint64) (types.QueueItem, bool) {
	for _, q := range s.queue {
		if q.Kind == types.KindAdvanceInstance && q.Payload == instanceID && q.Status == types.QueuePending {
			return q, true
		}
	}
	return types.QueueItem{}, false
}

// ClaimQueueItem claims the due item with the earliest NextAttemptAt.
func (s *MemoryStorage) ClaimQueueItem(ctx context.Context, workerID string, now time.Time, leaseTTL time.Duration) (types.QueueItem, error) {
	return withContext(ctx, func() (types.QueueItem, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		expiry := now.Add(-leaseTTL)
		advancing := make(map[uint64]uint64)
		for _, q := range s.queue {
			if q.Kind == types.KindAdvanceInstance && q.Status == types.QueueRunning && q.ClaimedAt != nil && q.ClaimedAt.After(expiry) {
				advancing[q.Payload] = q.ID
			}
		}

		var best *types.QueueItem
		for id := range s.queue {
			q := s.queue[id]
			due := (q.Status == types.QueuePending && !q.NextAttemptAt.After(now)) ||
				(q.Status == types.QueueRunning && q.ClaimedAt != nil && !q.ClaimedAt.After(expiry))
			if !due {
				continue
			}
			if q.Kind == types.KindAdvanceInstance {
				if holder, busy := advancing[q.Payload]; busy && holder != q.ID {
					continue
				}
			}
			if best == nil || q.NextAttemptAt.Before(best.NextAttemptAt) ||
				(q.NextAttemptAt.Equal(best.NextAttemptAt) && q.ID < best.ID) {
				candidate := q
				best = &candidate
			}
		}
		if best == nil {
			return types.QueueItem{}, ErrQueueEmpty
		}

		claimed := *best
		claimed.Reclaimed = claimed.Status == types.QueueRunning
		claimed.Status = types.QueueRunning
		claimed.ClaimedBy = workerID
		claimedAt := now
		claimed.ClaimedAt = &claimedAt
		claimed.UpdatedAt = now
		stored := claimed
		stored.Reclaimed = false
		s.queue[claimed.ID] = stored
		return claimed, nil
	})
}

// GetQueueItem retrieves a queue item from memory.
func (s *MemoryStorage) GetQueueItem(ctx context.Context, id uint64) (types.QueueItem, error) {
	return getItem(ctx, &s.mu, s.queue, id, ErrQueueItemNotFound)
}

// PruneQueue removes finished queue items last updated before cutoff.
func (s *MemoryStorage) PruneQueue(ctx context.Context, cutoff time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, q := range s.queue {
			if !q.UpdatedAt.Before(cutoff) {
				continue
			}
			if q.Status == types.QueueSucceeded || (q.Status == types.QueueFailed && q.FailureRecorded) {
				delete(s.queue, id)
				removed++
			}
		}
		return removed, nil
	})
}

// Close is a no-op for the memory store.
func (s *MemoryStorage) Close() error {
	return nil
}
