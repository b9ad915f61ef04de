package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/functions"
	"github.com/songzhibin97/process-engine/graph"
	"github.com/songzhibin97/process-engine/internal/log"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

const (
	// MaxGatewayDepth bounds gateway-to-gateway chains walked in one advancement step.
	MaxGatewayDepth = 100

	// SystemActor is recorded for actions the engine takes on its own.
	SystemActor = "system"

	defaultConflictRetries = 5
	conflictBackoff        = 5 * time.Millisecond
)

// Engine owns instance advancement and the task lifecycle. All state lives in storage;
// the engine only caches definitions, which are immutable.
type Engine struct {
	definitions     map[uint64]types.Definition
	mu              sync.RWMutex
	store           storage.Storage
	evaluator       rules.Evaluator
	registry        *functions.Registry
	generate        generator.Generator
	eventBus        *events.EventBus
	logger          logrus.FieldLogger
	now             func() time.Time
	conflictRetries uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the function registry used for output validation and service invocation.
func WithRegistry(registry *functions.Registry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithEventBus sets the bus committed history events are published on.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithConflictRetries sets how often an operation is replayed after an optimistic-concurrency conflict.
func WithConflictRetries(n uint64) Option {
	return func(e *Engine) {
		e.conflictRetries = n
	}
}

// NewEngine creates an Engine with the given generator and storage.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &Engine{
		definitions:     make(map[uint64]types.Definition),
		store:           store,
		evaluator:       evaluator,
		generate:        generate,
		logger:          log.GetLogger(),
		now:             time.Now,
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = functions.NewRegistry()
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	return e, nil
}

// Registry returns the function registry.
func (e *Engine) Registry() *functions.Registry {
	return e.registry
}

// Storage returns the underlying store.
func (e *Engine) Storage() storage.Storage {
	return e.store
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// SubscribeEvent subscribes an event handler to a history event type, or to events.AllEvents.
func (e *Engine) SubscribeEvent(eventType types.EventType, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Stop gracefully stops the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// ValidateDefinition checks def without storing it.
func (e *Engine) ValidateDefinition(def types.Definition) graph.Result {
	return graph.Validate(def, e.evaluator)
}

// PublishDefinition validates def and stores it as the next version of def.Key.
func (e *Engine) PublishDefinition(ctx context.Context, def types.Definition) (types.Definition, error) {
	if def.Key == "" {
		def.Key = def.Name
	}
	if def.Key == "" {
		return types.Definition{}, fmt.Errorf("%w: definition key is required", ErrValidation)
	}
	res := e.ValidateDefinition(def)
	if err := res.Err(); err != nil {
		return types.Definition{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	for _, w := range res.Warnings {
		e.logger.WithField("definition_key", def.Key).Warnf("definition warning: %s", w)
	}

	err := e.retryConflicts(ctx, func(ctx context.Context) error {
		latest, err := e.store.LatestDefinitionVersion(ctx, def.Key)
		if err != nil {
			return fmt.Errorf("failed to read latest version: %w", err)
		}
		id, err := e.GenerateID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		def.ID = id
		def.Version = latest + 1
		def.CreatedAt = e.Now()
		return e.store.SaveDefinition(ctx, def)
	})
	if err != nil {
		return types.Definition{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"definition_id":  def.ID,
		"definition_key": def.Key,
		"version":        def.Version,
	}).Info("definition published")
	return def, nil
}

// GetDefinition retrieves a definition by ID, checking the cache first.
func (e *Engine) GetDefinition(ctx context.Context, definitionID uint64) (types.Definition, error) {
	e.mu.RLock()
	def, ok := e.definitions[definitionID]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		if errors.Is(err, storage.ErrDefinitionNotFound) {
			return types.Definition{}, fmt.Errorf("%w: %d", ErrDefinitionNotFound, definitionID)
		}
		return types.Definition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return def, nil
}

// GetInstance retrieves an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (types.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return types.Instance{}, fmt.Errorf("%w: %d", ErrInstanceNotFound, instanceID)
		}
		return types.Instance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// GetTask retrieves a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID uint64) (types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return types.Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return types.Task{}, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns the tasks of an instance in creation order.
func (e *Engine) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListTasks(ctx, instanceID)
}

// ListHistory returns the audit trail of an instance.
func (e *Engine) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListHistory(ctx, instanceID)
}

// ListContextVersions returns every context version of an instance.
func (e *Engine) ListContextVersions(ctx context.Context, instanceID uint64) ([]types.ContextVersion, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListContextVersions(ctx, instanceID)
}

// LatestContext returns the current context of an instance.
func (e *Engine) LatestContext(ctx context.Context, instanceID uint64) (types.ContextVersion, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return types.ContextVersion{}, err
	}
	return e.store.LatestContext(ctx, instanceID)
}

// InstanceState is the read-only view returned by the instance-state query.
type InstanceState struct {
	InstanceID     uint64               `json:"instance_id"`
	DefinitionID   uint64               `json:"definition_id"`
	Status         types.InstanceStatus `json:"status"`
	Frontier       []string             `json:"frontier"`
	ContextVersion int                  `json:"context_version"`
	FailReason     string               `json:"fail_reason,omitempty"`
}

// InstanceState returns the status, frontier and latest context version of an instance.
func (e *Engine) InstanceState(ctx context.Context, instanceID uint64) (InstanceState, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return InstanceState{}, err
	}
	cv, err := e.store.LatestContext(ctx, instanceID)
	if err != nil {
		return InstanceState{}, fmt.Errorf("failed to get context: %w", err)
	}
	frontier := inst.Frontier
	if frontier == nil {
		frontier = []string{}
	}
	return InstanceState{
		InstanceID:     inst.ID,
		DefinitionID:   inst.DefinitionID,
		Status:         inst.Status,
		Frontier:       frontier,
		ContextVersion: cv.Version,
		FailReason:     inst.FailReason,
	}, nil
}

// batch accumulates the writes of one engine action so they commit atomically.
type batch struct {
	e   *Engine
	now time.Time
	m   storage.Mutation
}

func (e *Engine) newBatch() *batch {
	return &batch{e: e, now: e.Now()}
}

func (b *batch) record(ev types.HistoryEvent) error {
	id, err := b.e.GenerateID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}
	ev.ID = id
	ev.Timestamp = b.now
	b.m.Events = append(b.m.Events, ev)
	return nil
}

func (b *batch) enqueue(kind types.QueueKind, payload uint64) error {
	id, err := b.e.GenerateID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}
	b.m.Enqueue = append(b.m.Enqueue, types.QueueItem{
		ID:            id,
		Kind:          kind,
		Payload:       payload,
		Status:        types.QueuePending,
		NextAttemptAt: b.now,
		CreatedAt:     b.now,
		UpdatedAt:     b.now,
	})
	return nil
}

// commit applies m and publishes its history events once they are durable.
func (e *Engine) commit(ctx context.Context, m storage.Mutation) error {
	if m.Empty() {
		return nil
	}
	if err := e.store.Apply(ctx, m); err != nil {
		return err
	}
	for _, h := range m.Events {
		if err := e.eventBus.Publish(ctx, events.FromHistory(h)); err != nil && !errors.Is(err, events.ErrNoHandler) {
			e.logger.WithError(err).WithField("event_type", h.Type).Debug("event not published")
		}
	}
	return nil
}

// retryConflicts replays fn while storage reports an optimistic-concurrency conflict.
// fn must reload everything it writes.
func (e *Engine) retryConflicts(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(e.conflictRetries, retry.NewConstant(conflictBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrOpenTaskExists) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// CreateInstance starts an instance of definitionID at its START node and performs the first
// advancement step.
func (e *Engine) CreateInstance(ctx context.Context, definitionID uint64, initialContext map[string]interface{}, actor string) (types.Instance, error) {
	def, err := e.GetDefinition(ctx, definitionID)
	if err != nil {
		return types.Instance{}, err
	}
	start, ok := def.Start()
	if !ok {
		return types.Instance{}, fmt.Errorf("%w: definition %d has no start node", ErrStructural, def.ID)
	}

	id, err := e.GenerateID()
	if err != nil {
		return types.Instance{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	b := e.newBatch()
	inst := types.Instance{
		ID:           id,
		DefinitionID: def.ID,
		Status:       types.InstanceRunning,
		Frontier:     []string{start.ID},
		CreatedAt:    b.now,
		UpdatedAt:    b.now,
	}
	b.m.NewInstance = &inst
	b.m.Context = &types.ContextVersion{
		InstanceID: inst.ID,
		Version:    1,
		Data:       types.CloneMap(initialContext),
		CreatedAt:  b.now,
	}
	if err := b.record(types.HistoryEvent{
		InstanceID: inst.ID,
		Type:       types.EventInstanceStarted,
		NodeID:     start.ID,
		ActorID:    actor,
		Metadata: map[string]interface{}{
			"definition_id":      def.ID,
			"definition_key":     def.Key,
			"definition_version": def.Version,
		},
	}); err != nil {
		return types.Instance{}, err
	}
	if err := e.commit(ctx, b.m); err != nil {
		return types.Instance{}, fmt.Errorf("failed to save instance: %w", err)
	}

	logger := e.logger.WithField("instance_id", inst.ID)
	logger.Info("instance started")
	if err := e.Advance(ctx, inst.ID); err != nil {
		logger.WithError(err).Warn("first advancement failed, handing over to the queue")
		if err := e.TriggerAdvance(ctx, inst.ID); err != nil {
			return inst, err
		}
	}
	return e.GetInstance(ctx, inst.ID)
}

// TriggerAdvance enqueues an advancement of instanceID. Triggers for an instance that already
// has one pending are absorbed by the queue.
func (e *Engine) TriggerAdvance(ctx context.Context, instanceID uint64) error {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, inst.ID, inst.Status)
	}
	b := e.newBatch()
	if err := b.enqueue(types.KindAdvanceInstance, inst.ID); err != nil {
		return err
	}
	return e.commit(ctx, b.m)
}

// FailInstance moves an instance to FAILED and records reason with details in history.
// Failing an already FAILED instance is a no-op.
func (e *Engine) FailInstance(ctx context.Context, instanceID uint64, reason string, details map[string]interface{}) error {
	return e.retryConflicts(ctx, func(ctx context.Context) error {
		inst, err := e.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status == types.InstanceFailed {
			return nil
		}
		return e.failInstance(ctx, inst, &instanceFailure{reason: reason, details: details})
	})
}

func (e *Engine) failInstance(ctx context.Context, inst types.Instance, f *instanceFailure) error {
	status, err := nextInstanceStatus(inst.Status, TriggerFail)
	if err != nil {
		return err
	}
	b := e.newBatch()
	inst.Status = status
	inst.FailReason = f.reason
	inst.UpdatedAt = b.now
	inst.CompletedAt = &b.now
	b.m.Instance = &inst

	meta := types.CloneMap(f.details)
	meta["reason"] = f.reason
	if f.err != nil {
		meta["error"] = f.err.Error()
	}
	if err := b.record(types.HistoryEvent{
		InstanceID: inst.ID,
		Type:       types.EventInstanceFailed,
		NodeID:     f.nodeID,
		TaskID:     f.taskID,
		ActorID:    SystemActor,
		Metadata:   meta,
	}); err != nil {
		return err
	}
	if err := e.commit(ctx, b.m); err != nil {
		return err
	}

	entry := e.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"node_id":     f.nodeID,
		"task_id":     f.taskID,
		"reason":      f.reason,
	})
	if errors.Is(f.err, ErrStructural) {
		entry.WithError(f.err).WithField("frontier", inst.Frontier).Error("instance failed on a structural error")
	} else {
		entry.Warn("instance failed")
	}
	return nil
}

// SuspendInstance pauses advancement of a RUNNING instance.
func (e *Engine) SuspendInstance(ctx context.Context, instanceID uint64, actor string) error {
	return e.changeStatus(ctx, instanceID, TriggerSuspend, types.EventInstanceSuspended, actor)
}

// ResumeInstance returns a SUSPENDED instance to RUNNING and enqueues an advancement.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID uint64, actor string) error {
	return e.changeStatus(ctx, instanceID, TriggerResume, types.EventInstanceResumed, actor)
}

func (e *Engine) changeStatus(ctx context.Context, instanceID uint64, trigger Trigger, eventType types.EventType, actor string) error {
	return e.retryConflicts(ctx, func(ctx context.Context) error {
		inst, err := e.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		status, err := nextInstanceStatus(inst.Status, trigger)
		if err != nil {
			return err
		}
		b := e.newBatch()
		inst.Status = status
		inst.UpdatedAt = b.now
		b.m.Instance = &inst
		if err := b.record(types.HistoryEvent{InstanceID: inst.ID, Type: eventType, ActorID: actor}); err != nil {
			return err
		}
		if trigger == TriggerResume {
			if err := b.enqueue(types.KindAdvanceInstance, inst.ID); err != nil {
				return err
			}
		}
		if err := e.commit(ctx, b.m); err != nil {
			return err
		}
		e.logger.WithFields(logrus.Fields{"instance_id": inst.ID, "actor": actor}).Infof("instance %s", status)
		return nil
	})
}
