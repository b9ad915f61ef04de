package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sampleDefinition(id uint64, key string, version int) types.Definition {
	return types.Definition{
		ID:      id,
		Key:     key,
		Version: version,
		Name:    "Review",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "review", Type: types.NodeTask, FunctionCode: "review_doc", TaskType: types.UserTask},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{FromNodeID: "start", ToNodeID: "review"},
			{FromNodeID: "review", ToNodeID: "end"},
		},
		CreatedAt: base,
	}
}

func sampleInstance(id, defID uint64) types.Instance {
	return types.Instance{
		ID:           id,
		DefinitionID: defID,
		Status:       types.InstanceRunning,
		Frontier:     []string{"start"},
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

func sampleTask(id, instanceID uint64, node string) types.Task {
	return types.Task{
		ID:           id,
		InstanceID:   instanceID,
		NodeID:       node,
		FunctionCode: "review_doc",
		TaskType:     types.UserTask,
		Status:       types.TaskPending,
		InputData:    map[string]interface{}{"doc": "a"},
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

func advanceItem(id, instanceID uint64, at time.Time) types.QueueItem {
	return types.QueueItem{
		ID:            id,
		Kind:          types.KindAdvanceInstance,
		Payload:       instanceID,
		Status:        types.QueuePending,
		NextAttemptAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func serviceItem(id, taskID uint64, at time.Time) types.QueueItem {
	item := advanceItem(id, taskID, at)
	item.Kind = types.KindInvokeService
	return item
}

// seed stores a definition and a started instance with context version 1.
func seed(t *testing.T, s Storage, defID, instID uint64) types.Instance {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetDefinition(ctx, defID); err != nil {
		require.NoError(t, s.SaveDefinition(ctx, sampleDefinition(defID, "review", int(defID))))
	}
	inst := sampleInstance(instID, defID)
	require.NoError(t, s.Apply(ctx, Mutation{
		NewInstance: &inst,
		Context:     &types.ContextVersion{InstanceID: instID, Version: 1, Data: map[string]interface{}{"doc": "a"}, CreatedAt: base},
		Events:      []types.HistoryEvent{{ID: instID*100 + 1, InstanceID: instID, Type: types.EventInstanceStarted, Timestamp: base}},
	}))
	return inst
}

// runStorageSuite exercises the behaviour every Storage implementation must share.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("Definitions", func(t *testing.T) {
		s := newStore(t)
		v, err := s.LatestDefinitionVersion(ctx, "review")
		require.NoError(t, err)
		assert.Equal(t, 0, v)

		require.NoError(t, s.SaveDefinition(ctx, sampleDefinition(1, "review", 1)))
		require.NoError(t, s.SaveDefinition(ctx, sampleDefinition(2, "review", 2)))

		got, err := s.GetDefinition(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "review", got.Key)
		assert.Equal(t, 2, got.Version)
		assert.Len(t, got.Nodes, 3)
		assert.Equal(t, "review", got.Transitions[1].FromNodeID)

		v, err = s.LatestDefinitionVersion(ctx, "review")
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		err = s.SaveDefinition(ctx, sampleDefinition(3, "review", 2))
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.GetDefinition(ctx, 99)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("InstanceRevision", func(t *testing.T) {
		s := newStore(t)
		inst := seed(t, s, 1, 10)

		got, err := s.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceRunning, got.Status)
		assert.Equal(t, []string{"start"}, got.Frontier)
		assert.Equal(t, int64(0), got.Revision)

		inst.Frontier = []string{"review"}
		require.NoError(t, s.Apply(ctx, Mutation{Instance: &inst}))
		got, err = s.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Revision)
		assert.Equal(t, []string{"review"}, got.Frontier)

		// Stale revision.
		err = s.Apply(ctx, Mutation{Instance: &inst})
		assert.ErrorIs(t, err, ErrConflict)

		err = s.Apply(ctx, Mutation{NewInstance: &inst})
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.GetInstance(ctx, 11)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("OpenTaskUniqueness", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, 10)

		require.NoError(t, s.Apply(ctx, Mutation{NewTasks: []types.Task{sampleTask(100, 10, "review")}}))
		err := s.Apply(ctx, Mutation{NewTasks: []types.Task{sampleTask(101, 10, "review")}})
		assert.ErrorIs(t, err, ErrConflict)

		done := sampleTask(100, 10, "review")
		done.Status = types.TaskCompleted
		done.OutputData = map[string]interface{}{"approved": true}
		completedAt := base.Add(time.Minute)
		done.CompletedAt = &completedAt
		require.NoError(t, s.Apply(ctx, Mutation{Task: &TaskUpdate{Task: done, From: types.OpenTaskStatuses}}))

		// Completing twice loses the status race.
		err = s.Apply(ctx, Mutation{Task: &TaskUpdate{Task: done, From: types.OpenTaskStatuses}})
		assert.ErrorIs(t, err, ErrConflict)

		// The node is free again, as in a loop.
		require.NoError(t, s.Apply(ctx, Mutation{NewTasks: []types.Task{sampleTask(102, 10, "review")}}))

		tasks, err := s.ListTasks(ctx, 10)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, uint64(100), tasks[0].ID)
		assert.Equal(t, types.TaskCompleted, tasks[0].Status)
		assert.Equal(t, true, tasks[0].OutputData["approved"])
		assert.Equal(t, "a", tasks[0].InputData["doc"])
		assert.Equal(t, types.TaskPending, tasks[1].Status)

		_, err = s.GetTask(ctx, 999)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("ContextVersions", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, 10)

		next := types.ContextVersion{InstanceID: 10, Version: 2, Data: map[string]interface{}{"doc": "a", "review": map[string]interface{}{"ok": true}}, CreatedAt: base}
		require.NoError(t, s.Apply(ctx, Mutation{Context: &next}))
		assert.ErrorIs(t, s.Apply(ctx, Mutation{Context: &next}), ErrConflict)

		gap := next
		gap.Version = 4
		assert.ErrorIs(t, s.Apply(ctx, Mutation{Context: &gap}), ErrConflict)

		latest, err := s.LatestContext(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.Equal(t, map[string]interface{}{"ok": true}, latest.Data["review"])

		versions, err := s.ListContextVersions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 1, versions[0].Version)
		assert.Equal(t, 2, versions[1].Version)
	})

	t.Run("ApplyIsAtomic", func(t *testing.T) {
		s := newStore(t)
		inst := seed(t, s, 1, 10)

		inst.Frontier = []string{"review"}
		bad := types.ContextVersion{InstanceID: 10, Version: 7, Data: map[string]interface{}{}}
		err := s.Apply(ctx, Mutation{
			Instance: &inst,
			NewTasks: []types.Task{sampleTask(100, 10, "review")},
			Context:  &bad,
			Events:   []types.HistoryEvent{{ID: 5000, InstanceID: 10, Type: types.EventTaskCreated, Timestamp: base}},
			Enqueue:  []types.QueueItem{serviceItem(7000, 100, base)},
		})
		require.ErrorIs(t, err, ErrConflict)

		got, err := s.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Revision)
		assert.Equal(t, []string{"start"}, got.Frontier)

		tasks, err := s.ListTasks(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		history, err := s.ListHistory(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, history, 1)

		_, err = s.GetQueueItem(ctx, 7000)
		assert.ErrorIs(t, err, ErrQueueItemNotFound)
	})

	t.Run("HistoryOrder", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, 10)
		require.NoError(t, s.Apply(ctx, Mutation{Events: []types.HistoryEvent{
			{ID: 3, InstanceID: 10, Type: types.EventNodeEntered, NodeID: "review", Timestamp: base},
			{ID: 2, InstanceID: 10, Type: types.EventTaskCreated, NodeID: "review", TaskID: 100, Metadata: map[string]interface{}{"assignee": "alice"}, Timestamp: base},
		}}))

		history, err := s.ListHistory(ctx, 10)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, types.EventInstanceStarted, history[0].Type)
		assert.Equal(t, types.EventNodeEntered, history[1].Type)
		assert.Equal(t, types.EventTaskCreated, history[2].Type)
		assert.Equal(t, uint64(100), history[2].TaskID)
		assert.Equal(t, "alice", history[2].Metadata["assignee"])
	})

	t.Run("QueueClaimAndCoalesce", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, 10)

		require.NoError(t, s.Apply(ctx, Mutation{Enqueue: []types.QueueItem{advanceItem(1, 10, base.Add(time.Minute))}}))
		require.NoError(t, s.Apply(ctx, Mutation{Enqueue: []types.QueueItem{advanceItem(2, 10, base)}}))

		// The second trigger folded into the first item.
		_, err := s.GetQueueItem(ctx, 2)
		assert.ErrorIs(t, err, ErrQueueItemNotFound)
		item, err := s.GetQueueItem(ctx, 1)
		require.NoError(t, err)
		assert.True(t, item.NextAttemptAt.Equal(base))

		_, err = s.ClaimQueueItem(ctx, "w1", base.Add(-time.Second), time.Minute)
		assert.ErrorIs(t, err, ErrQueueEmpty)

		claimed, err := s.ClaimQueueItem(ctx, "w1", base, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), claimed.ID)
		assert.Equal(t, types.QueueRunning, claimed.Status)
		assert.Equal(t, "w1", claimed.ClaimedBy)
		assert.False(t, claimed.Reclaimed)

		_, err = s.ClaimQueueItem(ctx, "w2", base, time.Minute)
		assert.ErrorIs(t, err, ErrQueueEmpty)

		// While item 1 holds a live claim a new trigger for the same instance waits.
		require.NoError(t, s.Apply(ctx, Mutation{Enqueue: []types.QueueItem{advanceItem(3, 10, base)}}))
		_, err = s.ClaimQueueItem(ctx, "w2", base.Add(time.Second), time.Minute)
		assert.ErrorIs(t, err, ErrQueueEmpty)

		done := claimed
		done.Status = types.QueueSucceeded
		done.UpdatedAt = base.Add(time.Second)
		require.NoError(t, s.Apply(ctx, Mutation{Queue: &QueueUpdate{Item: done, ClaimedBy: "w1"}}))

		next, err := s.ClaimQueueItem(ctx, "w2", base.Add(2*time.Second), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), next.ID)
	})

	t.Run("QueueLeaseExpiry", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, 10)
		require.NoError(t, s.Apply(ctx, Mutation{Enqueue: []types.QueueItem{serviceItem(1, 100, base)}}))

		first, err := s.ClaimQueueItem(ctx, "w1", base, time.Minute)
		require.NoError(t, err)

		_, err = s.ClaimQueueItem(ctx, "w2", base.Add(30*time.Second), time.Minute)
		assert.ErrorIs(t, err, ErrQueueEmpty)

		again, err := s.ClaimQueueItem(ctx, "w2", base.Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.True(t, again.Reclaimed)
		assert.Equal(t, "w2", again.ClaimedBy)

		// The original holder can no longer settle the item.
		late := first
		late.Status = types.QueueSucceeded
		err = s.Apply(ctx, Mutation{Queue: &QueueUpdate{Item: late, ClaimedBy: "w1"}})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("QueueRetryAndPrune", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, 10)
		require.NoError(t, s.Apply(ctx, Mutation{Enqueue: []types.QueueItem{serviceItem(1, 100, base), serviceItem(2, 101, base)}}))

		a, err := s.ClaimQueueItem(ctx, "w1", base, time.Minute)
		require.NoError(t, err)
		retry := a
		retry.Status = types.QueuePending
		retry.AttemptCount = 1
		retry.NextAttemptAt = base.Add(time.Hour)
		retry.ClaimedBy = ""
		retry.ClaimedAt = nil
		retry.LastError = "connection refused"
		retry.UpdatedAt = base
		require.NoError(t, s.Apply(ctx, Mutation{Queue: &QueueUpdate{Item: retry, ClaimedBy: "w1"}}))

		b, err := s.ClaimQueueItem(ctx, "w1", base, time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
		failed := b
		failed.Status = types.QueueFailed
		failed.UpdatedAt = base
		require.NoError(t, s.Apply(ctx, Mutation{Queue: &QueueUpdate{Item: failed, ClaimedBy: "w1"}}))

		// Nothing due before the retry time.
		_, err = s.ClaimQueueItem(ctx, "w1", base.Add(time.Minute), time.Minute)
		assert.ErrorIs(t, err, ErrQueueEmpty)

		got, err := s.GetQueueItem(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Equal(t, "connection refused", got.LastError)

		// A FAILED item whose failure is not yet recorded survives pruning.
		n, err := s.PruneQueue(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		retried, err := s.ClaimQueueItem(ctx, "w1", base.Add(time.Hour), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, a.ID, retried.ID)
		retried.Status = types.QueueSucceeded
		retried.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.Apply(ctx, Mutation{Queue: &QueueUpdate{Item: retried, ClaimedBy: "w1"}}))

		n, err = s.PruneQueue(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = s.GetQueueItem(ctx, a.ID)
		assert.ErrorIs(t, err, ErrQueueItemNotFound)
		_, err = s.GetQueueItem(ctx, b.ID)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentRevisionUpdates", func(t *testing.T) {
		s := newStore(t)
		inst := seed(t, s, 1, 10)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				update := inst
				update.Frontier = []string{"review"}
				err := s.Apply(ctx, Mutation{
					Instance: &update,
					NewTasks: []types.Task{sampleTask(uint64(100+i), 10, "review")},
				})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)

		tasks, err := s.ListTasks(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("ConcurrentClaims", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, 10)
		items := make([]types.QueueItem, 0, 5)
		for i := uint64(1); i <= 5; i++ {
			items = append(items, serviceItem(i, 100+i, base))
		}
		require.NoError(t, s.Apply(ctx, Mutation{Enqueue: items}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := make(map[uint64]int)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				item, err := s.ClaimQueueItem(ctx, "w", base, time.Minute)
				if err != nil {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		for {
			item, err := s.ClaimQueueItem(ctx, "w", base, time.Minute)
			if errors.Is(err, ErrQueueEmpty) {
				break
			}
			require.NoError(t, err)
			seen[item.ID]++
		}
		assert.Len(t, seen, 5)
		for id, n := range seen {
			assert.Equal(t, 1, n, "item %d claimed %d times", id, n)
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		s := newStore(t)
		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.SaveDefinition(canceled, sampleDefinition(1, "review", 1))
		assert.Error(t, err)
		_, err = s.GetInstance(canceled, 1)
		assert.Error(t, err)
	})
}
