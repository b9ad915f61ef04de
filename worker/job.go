package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/process-engine/functions"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

var errLeaseExpired = errors.New("lease expired while the service call was in flight")

// job is one claimed queue item.
type job struct {
	w        *Worker
	workerID string
	item     types.QueueItem
	logger   logrus.FieldLogger
}

func (j *job) advance(ctx context.Context) error {
	instanceID := j.item.Payload
	err := j.w.engine.Advance(ctx, instanceID)
	switch {
	case err == nil, errors.Is(err, workflow.ErrInstanceTerminal):
		return j.finish(ctx, types.QueueSucceeded, "", false)
	case errors.Is(err, workflow.ErrInstanceNotFound):
		j.logger.WithError(err).Warn("advance target is gone")
		return j.finish(ctx, types.QueueFailed, err.Error(), false)
	case ctx.Err() != nil:
		return ctx.Err()
	}

	j.item.AttemptCount++
	if j.item.AttemptCount < j.w.opts.MaxAttempts {
		j.logger.WithError(err).Warn("advance failed, retrying")
		return j.retryLater(ctx, err, j.nextAttempt(), nil)
	}

	j.logger.WithError(err).Error("advance exhausted retries")
	ferr := j.w.engine.FailInstance(ctx, instanceID, "advancement exhausted retries", map[string]interface{}{
		"error":         err.Error(),
		"attempts":      j.item.AttemptCount,
		"queue_item_id": j.item.ID,
	})
	if ferr != nil && !errors.Is(ferr, workflow.ErrInstanceTerminal) {
		return fmt.Errorf("fail instance %d: %w", instanceID, ferr)
	}
	return j.finish(ctx, types.QueueFailed, err.Error(), true)
}

func (j *job) invokeService(ctx context.Context) error {
	e := j.w.engine
	task, err := e.GetTask(ctx, j.item.Payload)
	if errors.Is(err, workflow.ErrTaskNotFound) {
		j.logger.WithError(err).Warn("service task is gone")
		return j.finish(ctx, types.QueueFailed, err.Error(), false)
	}
	if err != nil {
		return j.transientFailure(ctx, types.Task{}, 0, err)
	}
	if !task.Status.Open() {
		return j.finish(ctx, types.QueueSucceeded, "", false)
	}
	inst, err := e.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return j.transientFailure(ctx, task, 0, err)
	}
	if inst.Status.Terminal() {
		return j.finish(ctx, types.QueueSucceeded, "", false)
	}
	def, err := e.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return j.transientFailure(ctx, task, 0, err)
	}
	node, _ := def.Node(task.NodeID)
	logger := j.logger.WithFields(logrus.Fields{
		"instance_id":   task.InstanceID,
		"task_id":       task.ID,
		"node_id":       task.NodeID,
		"function_code": task.FunctionCode,
	})

	if j.item.Reclaimed && task.Status == types.TaskInProgress {
		logger.Warn("service call abandoned by a previous worker")
		return j.transientFailure(ctx, task, node.MaxAttempts, errLeaseExpired)
	}

	invoker, err := e.Registry().Invoker(task.FunctionCode)
	if err != nil {
		logger.WithError(err).Error("service task cannot be invoked")
		return j.failTask(ctx, task, err.Error(), nil)
	}
	fn, _ := e.Registry().Get(task.FunctionCode)

	actor := task.AssignedTo
	if actor == "" {
		actor = workflow.SystemActor
	}
	if task.Status == types.TaskPending {
		started, err := e.StartTask(ctx, task.ID, actor)
		switch {
		case err == nil:
			task = started
		case errors.Is(err, workflow.ErrTaskAlreadyTerminal), errors.Is(err, workflow.ErrInstanceTerminal):
			return j.finish(ctx, types.QueueSucceeded, "", false)
		case errors.Is(err, workflow.ErrInvalidState):
			// started by another claimant of this item
		default:
			return j.transientFailure(ctx, task, node.MaxAttempts, err)
		}
	}

	timeout := j.w.opts.ServiceTimeout
	if fn.Timeout > 0 {
		timeout = fn.Timeout
	}
	if node.TimeoutSec > 0 {
		timeout = time.Duration(node.TimeoutSec) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	output, callErr := invoker.Invoke(callCtx, types.CloneMap(task.InputData))
	cancel()
	if ctx.Err() != nil {
		// Shutdown: the lease expires and another worker retries the call.
		return ctx.Err()
	}

	if callErr == nil {
		_, err := e.CompleteTask(ctx, task.ID, output, actor)
		switch {
		case err == nil, errors.Is(err, workflow.ErrTaskAlreadyTerminal), errors.Is(err, workflow.ErrInstanceTerminal):
			return j.finish(ctx, types.QueueSucceeded, "", false)
		case errors.Is(err, workflow.ErrOutputValidationFailed):
			logger.WithError(err).Warn("service output rejected")
			return j.failTask(ctx, task, err.Error(), nil)
		default:
			return j.transientFailure(ctx, task, node.MaxAttempts, err)
		}
	}

	if be, ok := functions.AsBusinessError(callErr); ok {
		logger.WithError(be).Info("service declined the task")
		return j.failTask(ctx, task, be.Error(), map[string]interface{}{"code": be.Code})
	}
	logger.WithError(callErr).Warn("service call failed")
	return j.transientFailure(ctx, task, node.MaxAttempts, callErr)
}

// failTask records a permanent failure of the task and closes the item. The task's FAILED
// status carries the failure, so the item is marked SUCCEEDED.
func (j *job) failTask(ctx context.Context, task types.Task, reason string, details map[string]interface{}) error {
	_, err := j.w.engine.FailTask(ctx, task.ID, reason, workflow.SystemActor, details)
	if err != nil && !errors.Is(err, workflow.ErrTaskAlreadyTerminal) && !errors.Is(err, workflow.ErrInstanceTerminal) {
		return fmt.Errorf("fail task %d: %w", task.ID, err)
	}
	return j.finish(ctx, types.QueueSucceeded, reason, false)
}

// transientFailure schedules another attempt, or fails the task once maxAttempts is reached.
// A zero maxAttempts means the worker default.
func (j *job) transientFailure(ctx context.Context, task types.Task, maxAttempts int, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if maxAttempts <= 0 {
		maxAttempts = j.w.opts.MaxAttempts
	}

	j.item.AttemptCount++
	if j.item.AttemptCount < maxAttempts {
		next := j.nextAttempt()
		var evs []types.HistoryEvent
		if task.ID != 0 {
			id, err := j.w.engine.GenerateID()
			if err != nil {
				return err
			}
			evs = append(evs, types.HistoryEvent{
				ID:         id,
				InstanceID: task.InstanceID,
				Type:       types.EventServiceRetry,
				NodeID:     task.NodeID,
				TaskID:     task.ID,
				ActorID:    workflow.SystemActor,
				Metadata: map[string]interface{}{
					"attempt":         j.item.AttemptCount,
					"next_attempt_at": next,
					"error":           cause.Error(),
				},
				Timestamp: j.w.now(),
			})
		}
		return j.retryLater(ctx, cause, next, evs)
	}

	j.logger.WithError(cause).WithField("attempts", j.item.AttemptCount).Error("service task exhausted retries")
	_, err := j.w.engine.FailTask(ctx, j.item.Payload, "service unreachable", workflow.SystemActor, map[string]interface{}{
		"last_error": cause.Error(),
		"attempts":   j.item.AttemptCount,
	})
	if err != nil && !errors.Is(err, workflow.ErrTaskAlreadyTerminal) && !errors.Is(err, workflow.ErrInstanceTerminal) {
		return fmt.Errorf("fail task %d: %w", j.item.Payload, err)
	}
	return j.finish(ctx, types.QueueFailed, cause.Error(), true)
}

func (j *job) nextAttempt() time.Time {
	return j.w.now().Add(j.w.backoff(j.item.AttemptCount))
}

// retryLater returns the item to PENDING until next.
func (j *job) retryLater(ctx context.Context, cause error, next time.Time, evs []types.HistoryEvent) error {
	j.item.Status = types.QueuePending
	j.item.NextAttemptAt = next
	j.item.ClaimedBy = ""
	j.item.ClaimedAt = nil
	j.item.LastError = cause.Error()
	return j.write(ctx, evs)
}

func (j *job) finish(ctx context.Context, status types.QueueStatus, lastError string, recorded bool) error {
	j.item.Status = status
	j.item.FailureRecorded = recorded
	if lastError != "" {
		j.item.LastError = lastError
	}
	return j.write(ctx, nil)
}

func (j *job) write(ctx context.Context, evs []types.HistoryEvent) error {
	ctx, cancel := context.WithTimeout(ctx, j.w.opts.StoreTimeout)
	defer cancel()

	j.item.UpdatedAt = j.w.now()
	j.item.Reclaimed = false
	err := j.w.store.Apply(ctx, storage.Mutation{
		Events: evs,
		Queue:  &storage.QueueUpdate{Item: j.item, ClaimedBy: j.workerID},
	})
	if errors.Is(err, storage.ErrClaimLost) {
		j.logger.Warn("queue item claim lost")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update queue item %d: %w", j.item.ID, err)
	}
	j.logger.WithField("status", j.item.Status).Debug("queue item updated")
	return nil
}
