package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/functions"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

type idGenerator struct {
	id uint64
}

func (g *idGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails context reads while failing is set.
type flakyStore struct {
	storage.Storage
	failing atomic.Bool
}

func (s *flakyStore) LatestContext(ctx context.Context, instanceID uint64) (types.ContextVersion, error) {
	if s.failing.Load() {
		return types.ContextVersion{}, errors.New("connection reset by peer")
	}
	return s.Storage.LatestContext(ctx, instanceID)
}

// countingInvoker counts calls and delegates to fn.
type countingInvoker struct {
	calls atomic.Int32
	fn    func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

func (c *countingInvoker) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	c.calls.Add(1)
	return c.fn(ctx, input)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testOptions = Options{
	MaxAttempts:  5,
	BackoffBase:  time.Second,
	BackoffCap:   time.Minute,
	LeaseTTL:     time.Minute,
	PollInterval: 10 * time.Millisecond,
	Retention:    time.Hour,
}

type fixture struct {
	engine *workflow.Engine
	worker *Worker
	store  storage.Storage
	clock  *fakeClock
}

func newFixture(t *testing.T, store storage.Storage, fns ...functions.Function) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	registry := functions.NewRegistry()
	for _, fn := range fns {
		registry.MustRegister(fn)
	}
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	engine, err := workflow.NewEngine(&idGenerator{}, store, nil,
		workflow.WithRegistry(registry),
		workflow.WithLogger(quietLogger()),
		workflow.WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = engine.Stop(context.Background())
	})
	w := New(engine, testOptions, WithID("worker-test"), WithLogger(quietLogger()))
	return &fixture{engine: engine, worker: w, store: store, clock: clock}
}

func (f *fixture) start(t *testing.T, def types.Definition, initial map[string]interface{}) types.Instance {
	t.Helper()
	ctx := context.Background()
	published, err := f.engine.PublishDefinition(ctx, def)
	require.NoError(t, err)
	inst, err := f.engine.CreateInstance(ctx, published.ID, initial, "tester")
	require.NoError(t, err)
	return inst
}

// drain processes due items until none is left and returns how many were handled.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		processed, err := f.worker.ProcessNext(context.Background())
		require.NoError(t, err)
		if !processed {
			return n
		}
		n++
	}
}

func (f *fixture) task(t *testing.T, instanceID uint64, nodeID string) types.Task {
	t.Helper()
	tasks, err := f.engine.ListTasks(context.Background(), instanceID)
	require.NoError(t, err)
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].NodeID == nodeID {
			return tasks[i]
		}
	}
	t.Fatalf("no task at node %s", nodeID)
	return types.Task{}
}

func (f *fixture) events(t *testing.T, instanceID uint64, eventType types.EventType) []types.HistoryEvent {
	t.Helper()
	history, err := f.engine.ListHistory(context.Background(), instanceID)
	require.NoError(t, err)
	var out []types.HistoryEvent
	for _, h := range history {
		if h.Type == eventType {
			out = append(out, h)
		}
	}
	return out
}

func (f *fixture) instance(t *testing.T, id uint64) types.Instance {
	t.Helper()
	inst, err := f.engine.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func chargeDefinition(withHandler bool) types.Definition {
	def := types.Definition{
		Key: "charge",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "charge", Type: types.NodeTask, TaskType: types.ServiceTask, FunctionCode: "payments.charge"},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{FromNodeID: "start", ToNodeID: "charge"},
			{FromNodeID: "charge", ToNodeID: "end"},
		},
	}
	if withHandler {
		def.Nodes = append(def.Nodes, types.Node{ID: "refund", Type: types.NodeTask, TaskType: types.UserTask, FunctionCode: "payments.refund"})
		def.Transitions = append(def.Transitions,
			types.Transition{FromNodeID: "charge", ToNodeID: "refund", OnError: true},
			types.Transition{FromNodeID: "refund", ToNodeID: "end"},
		)
	}
	return def
}

func TestBackoff(t *testing.T) {
	w := &Worker{opts: Options{BackoffBase: time.Second, BackoffCap: 10 * time.Second}.withDefaults()}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestServiceTaskSucceeds(t *testing.T) {
	var seen map[string]interface{}
	invoker := &countingInvoker{fn: func(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		seen = input
		return map[string]interface{}{"charged": true}, nil
	}}
	f := newFixture(t, nil, functions.Function{Code: "payments.charge", Invoker: invoker})
	inst := f.start(t, chargeDefinition(false), map[string]interface{}{"amount": 10})

	assert.Equal(t, types.TaskPending, f.task(t, inst.ID, "charge").Status)
	assert.Equal(t, 2, f.drain(t))

	assert.EqualValues(t, 1, invoker.calls.Load())
	assert.Equal(t, 10, seen["amount"])
	task := f.task(t, inst.ID, "charge")
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, workflow.SystemActor, f.events(t, inst.ID, types.EventTaskStarted)[0].ActorID)
	assert.Equal(t, types.InstanceCompleted, f.instance(t, inst.ID).Status)

	cv, err := f.engine.LatestContext(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"charged": true}, cv.Data["charge"])
}

func TestServiceRetryExhaustion(t *testing.T) {
	invoker := &countingInvoker{fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("connection refused")
	}}
	f := newFixture(t, nil, functions.Function{Code: "payments.charge", Invoker: invoker})
	inst := f.start(t, chargeDefinition(false), nil)

	for i := 0; i < testOptions.MaxAttempts; i++ {
		processed, err := f.worker.ProcessNext(context.Background())
		require.NoError(t, err)
		require.True(t, processed)

		// not due again before the backoff elapses
		if i < testOptions.MaxAttempts-1 {
			processed, err = f.worker.ProcessNext(context.Background())
			require.NoError(t, err)
			require.False(t, processed)
		}
		f.clock.Advance(testOptions.BackoffCap)
	}
	assert.EqualValues(t, testOptions.MaxAttempts, invoker.calls.Load())

	retries := f.events(t, inst.ID, types.EventServiceRetry)
	require.Len(t, retries, testOptions.MaxAttempts-1)
	var last time.Time
	for i, ev := range retries {
		next, ok := ev.Metadata["next_attempt_at"].(time.Time)
		require.True(t, ok)
		assert.True(t, next.After(last), "next_attempt_at must increase")
		assert.Equal(t, testOptions.BackoffBase<<i, next.Sub(ev.Timestamp))
		assert.Equal(t, "connection refused", ev.Metadata["error"])
		last = next
	}

	task := f.task(t, inst.ID, "charge")
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, "service unreachable", task.Error)
	failed := f.events(t, inst.ID, types.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "connection refused", failed[0].Metadata["last_error"])

	// the advancement queued by the failure fails the instance
	assert.Equal(t, 1, f.drain(t))
	assert.Equal(t, types.InstanceFailed, f.instance(t, inst.ID).Status)

	f.clock.Advance(2 * testOptions.Retention)
	pruned, err := f.worker.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
}

func TestServiceBusinessError(t *testing.T) {
	invoker := &countingInvoker{fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, &functions.BusinessError{Code: "card_declined", Message: "insufficient funds"}
	}}
	f := newFixture(t, nil, functions.Function{Code: "payments.charge", Invoker: invoker})
	inst := f.start(t, chargeDefinition(true), nil)

	assert.Equal(t, 2, f.drain(t))
	assert.EqualValues(t, 1, invoker.calls.Load())
	assert.Empty(t, f.events(t, inst.ID, types.EventServiceRetry))

	charge := f.task(t, inst.ID, "charge")
	assert.Equal(t, types.TaskFailed, charge.Status)
	assert.Equal(t, "card_declined: insufficient funds", charge.Error)

	refund := f.task(t, inst.ID, "refund")
	assert.Equal(t, types.TaskPending, refund.Status)
	assert.Equal(t, types.InstanceRunning, f.instance(t, inst.ID).Status)
}

func TestServiceOutputRejected(t *testing.T) {
	invoker := &countingInvoker{fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "ok"}, nil
	}}
	f := newFixture(t, nil, functions.Function{
		Code:    "payments.charge",
		Invoker: invoker,
		OutputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"charged"},
		},
	})
	inst := f.start(t, chargeDefinition(false), nil)

	f.drain(t)
	assert.EqualValues(t, 1, invoker.calls.Load())
	task := f.task(t, inst.ID, "charge")
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "output")
	assert.Equal(t, types.InstanceFailed, f.instance(t, inst.ID).Status)
}

func TestServiceWithoutInvoker(t *testing.T) {
	f := newFixture(t, nil, functions.Function{Code: "payments.charge"})
	inst := f.start(t, chargeDefinition(false), nil)

	f.drain(t)
	task := f.task(t, inst.ID, "charge")
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Contains(t, task.Error, functions.ErrNoInvoker.Error())
	assert.Equal(t, types.InstanceFailed, f.instance(t, inst.ID).Status)
}

func TestNodeMaxAttemptsOverride(t *testing.T) {
	invoker := &countingInvoker{fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("timeout")
	}}
	f := newFixture(t, nil, functions.Function{Code: "payments.charge", Invoker: invoker})
	def := chargeDefinition(false)
	def.Nodes[1].MaxAttempts = 2
	inst := f.start(t, def, nil)

	for i := 0; i < 2; i++ {
		processed, err := f.worker.ProcessNext(context.Background())
		require.NoError(t, err)
		require.True(t, processed)
		f.clock.Advance(testOptions.BackoffCap)
	}
	assert.EqualValues(t, 2, invoker.calls.Load())
	assert.Equal(t, types.TaskFailed, f.task(t, inst.ID, "charge").Status)
}

func TestLeaseReclaim(t *testing.T) {
	invoker := &countingInvoker{fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"charged": true}, nil
	}}
	f := newFixture(t, nil, functions.Function{Code: "payments.charge", Invoker: invoker})
	inst := f.start(t, chargeDefinition(false), nil)
	ctx := context.Background()

	// another worker claims the item, starts the task and dies
	_, err := f.store.ClaimQueueItem(ctx, "crashed", f.clock.Now(), testOptions.LeaseTTL)
	require.NoError(t, err)
	task := f.task(t, inst.ID, "charge")
	_, err = f.engine.StartTask(ctx, task.ID, workflow.SystemActor)
	require.NoError(t, err)

	assert.Equal(t, 0, f.drain(t))

	f.clock.Advance(testOptions.LeaseTTL + time.Second)
	processed, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.EqualValues(t, 0, invoker.calls.Load())

	retries := f.events(t, inst.ID, types.EventServiceRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, errLeaseExpired.Error(), retries[0].Metadata["error"])

	f.clock.Advance(testOptions.BackoffBase)
	assert.Equal(t, 2, f.drain(t))
	assert.EqualValues(t, 1, invoker.calls.Load())
	assert.Equal(t, types.InstanceCompleted, f.instance(t, inst.ID).Status)
}

func TestAdvanceExhaustion(t *testing.T) {
	store := &flakyStore{Storage: storage.NewMemoryStorage()}
	f := newFixture(t, store)
	def := types.Definition{
		Key: "review",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "review", Type: types.NodeTask, FunctionCode: "review"},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{FromNodeID: "start", ToNodeID: "review"},
			{FromNodeID: "review", ToNodeID: "end"},
		},
	}
	inst := f.start(t, def, nil)
	ctx := context.Background()
	_, err := f.engine.CompleteTask(ctx, f.task(t, inst.ID, "review").ID, nil, "anyone")
	require.NoError(t, err)

	store.failing.Store(true)
	for i := 0; i < testOptions.MaxAttempts; i++ {
		processed, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		f.clock.Advance(testOptions.BackoffCap)
	}
	store.failing.Store(false)

	got := f.instance(t, inst.ID)
	assert.Equal(t, types.InstanceFailed, got.Status)
	assert.Equal(t, "advancement exhausted retries", got.FailReason)
	assert.Equal(t, 0, f.drain(t))
}

func TestAdvanceUnknownInstance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.store.Apply(ctx, storage.Mutation{Enqueue: []types.QueueItem{{
		ID:            4242,
		Kind:          types.KindAdvanceInstance,
		Payload:       999,
		Status:        types.QueuePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}}))

	assert.Equal(t, 1, f.drain(t))
	item, err := f.store.GetQueueItem(ctx, 4242)
	require.NoError(t, err)
	assert.Equal(t, types.QueueFailed, item.Status)
	assert.False(t, item.FailureRecorded)
	assert.Contains(t, item.LastError, "not found")
}

func TestShutdownAbandonsCall(t *testing.T) {
	started := make(chan struct{})
	invoker := &countingInvoker{fn: func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, nil, functions.Function{Code: "payments.charge", Invoker: invoker})
	inst := f.start(t, chargeDefinition(false), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.worker.ProcessNext(ctx)
		done <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, types.TaskInProgress, f.task(t, inst.ID, "charge").Status)
	assert.Empty(t, f.events(t, inst.ID, types.EventServiceRetry))
	assert.Empty(t, f.events(t, inst.ID, types.EventTaskFailed))
}

func TestRun(t *testing.T) {
	invoker := &countingInvoker{fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"charged": true}, nil
	}}
	registry := functions.NewRegistry()
	registry.MustRegister(functions.Function{Code: "payments.charge", Invoker: invoker})
	engine, err := workflow.NewEngine(&idGenerator{}, storage.NewMemoryStorage(), nil,
		workflow.WithRegistry(registry),
		workflow.WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	defer engine.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	opts := testOptions
	opts.Workers = 3
	w := New(engine, opts, WithLogger(quietLogger()))
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	published, err := engine.PublishDefinition(context.Background(), chargeDefinition(false))
	require.NoError(t, err)
	var ids []uint64
	for i := 0; i < 5; i++ {
		inst, err := engine.CreateInstance(context.Background(), published.ID, map[string]interface{}{"n": i}, "tester")
		require.NoError(t, err)
		ids = append(ids, inst.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			inst, err := engine.GetInstance(context.Background(), id)
			if err != nil || inst.Status != types.InstanceCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 5, invoker.calls.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
