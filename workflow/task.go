package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

func checkActor(task types.Task, actor string) error {
	if task.TaskType == types.UserTask && task.AssignedTo != "" && task.AssignedTo != actor {
		return fmt.Errorf("%w: task %d is assigned to %s, not %s", ErrTaskNotAssignedToActor, task.ID, task.AssignedTo, actor)
	}
	return nil
}

// openInstance loads the instance of task and rejects terminal ones.
func (e *Engine) openInstance(ctx context.Context, task types.Task) (types.Instance, error) {
	inst, err := e.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return types.Instance{}, err
	}
	if inst.Status.Terminal() {
		return types.Instance{}, fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, inst.ID, inst.Status)
	}
	return inst, nil
}

// CompleteTask records output for an open task, merges it into the instance context under the
// task's node id and enqueues an advancement.
//
// A USER_TASK may only be completed by its assignee. Output that violates the function's schema
// fails with ErrOutputValidationFailed and leaves the task open. A task completed concurrently
// by someone else fails with ErrTaskAlreadyTerminal.
func (e *Engine) CompleteTask(ctx context.Context, taskID uint64, output map[string]interface{}, actor string) (types.Task, error) {
	var completed types.Task
	err := e.retryConflicts(ctx, func(ctx context.Context) error {
		task, err := e.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := checkActor(task, actor); err != nil {
			return err
		}
		status, err := nextTaskStatus(task.Status, TriggerComplete)
		if err != nil {
			return err
		}
		inst, err := e.openInstance(ctx, task)
		if err != nil {
			return err
		}
		if err := e.registry.ValidateOutput(task.FunctionCode, output); err != nil {
			return fmt.Errorf("%w: task %d: %w", ErrOutputValidationFailed, task.ID, err)
		}
		cv, err := e.store.LatestContext(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("failed to get context: %w", err)
		}

		b := e.newBatch()
		from := task.Status
		task.Status = status
		task.OutputData = types.CloneMap(output)
		task.UpdatedAt = b.now
		task.CompletedAt = &b.now
		b.m.Task = &storage.TaskUpdate{Task: task, From: types.OpenTaskStatuses}

		merged := types.CloneMap(cv.Data)
		merged[task.NodeID] = task.OutputData
		b.m.Context = &types.ContextVersion{
			InstanceID: inst.ID,
			Version:    cv.Version + 1,
			Data:       merged,
			CreatedAt:  b.now,
		}
		if err := b.record(types.HistoryEvent{
			InstanceID: inst.ID,
			Type:       types.EventTaskCompleted,
			NodeID:     task.NodeID,
			TaskID:     task.ID,
			ActorID:    actor,
			Metadata: map[string]interface{}{
				"from_status":     string(from),
				"context_version": cv.Version + 1,
			},
		}); err != nil {
			return err
		}
		if err := b.enqueue(types.KindAdvanceInstance, inst.ID); err != nil {
			return err
		}
		if err := e.commit(ctx, b.m); err != nil {
			return err
		}
		completed = task
		return nil
	})
	if err != nil {
		return types.Task{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"instance_id": completed.InstanceID,
		"task_id":     completed.ID,
		"node_id":     completed.NodeID,
		"actor":       actor,
	}).Info("task completed")
	return completed, nil
}

// FailTask closes an open task as FAILED and enqueues an advancement, which follows the node's
// error transitions or fails the instance. details are kept in the TASK_FAILED event.
func (e *Engine) FailTask(ctx context.Context, taskID uint64, reason string, actor string, details map[string]interface{}) (types.Task, error) {
	meta := types.CloneMap(details)
	meta["reason"] = reason
	return e.closeTask(ctx, taskID, TriggerFail, types.EventTaskFailed, actor, meta, func(t *types.Task) {
		t.Error = reason
	})
}

// SkipTask closes an open task as SKIPPED. The instance continues along the normal transitions.
func (e *Engine) SkipTask(ctx context.Context, taskID uint64, actor string) (types.Task, error) {
	return e.closeTask(ctx, taskID, TriggerSkip, types.EventTaskSkipped, actor, nil, nil)
}

func (e *Engine) closeTask(ctx context.Context, taskID uint64, trigger Trigger, eventType types.EventType, actor string, meta map[string]interface{}, mutate func(*types.Task)) (types.Task, error) {
	var closed types.Task
	err := e.retryConflicts(ctx, func(ctx context.Context) error {
		task, err := e.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		status, err := nextTaskStatus(task.Status, trigger)
		if err != nil {
			return err
		}
		inst, err := e.openInstance(ctx, task)
		if err != nil {
			return err
		}

		b := e.newBatch()
		task.Status = status
		task.UpdatedAt = b.now
		task.CompletedAt = &b.now
		if mutate != nil {
			mutate(&task)
		}
		b.m.Task = &storage.TaskUpdate{Task: task, From: types.OpenTaskStatuses}
		if err := b.record(types.HistoryEvent{
			InstanceID: inst.ID,
			Type:       eventType,
			NodeID:     task.NodeID,
			TaskID:     task.ID,
			ActorID:    actor,
			Metadata:   meta,
		}); err != nil {
			return err
		}
		if err := b.enqueue(types.KindAdvanceInstance, inst.ID); err != nil {
			return err
		}
		if err := e.commit(ctx, b.m); err != nil {
			return err
		}
		closed = task
		return nil
	})
	if err != nil {
		return types.Task{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"instance_id": closed.InstanceID,
		"task_id":     closed.ID,
		"node_id":     closed.NodeID,
	}).Infof("task %s", closed.Status)
	return closed, nil
}

// StartTask moves a PENDING task to IN_PROGRESS. A USER_TASK may only be started by its assignee.
func (e *Engine) StartTask(ctx context.Context, taskID uint64, actor string) (types.Task, error) {
	var started types.Task
	err := e.retryConflicts(ctx, func(ctx context.Context) error {
		task, err := e.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := checkActor(task, actor); err != nil {
			return err
		}
		status, err := nextTaskStatus(task.Status, TriggerStart)
		if err != nil {
			return err
		}
		inst, err := e.openInstance(ctx, task)
		if err != nil {
			return err
		}

		b := e.newBatch()
		task.Status = status
		task.UpdatedAt = b.now
		b.m.Task = &storage.TaskUpdate{Task: task, From: []types.TaskStatus{types.TaskPending}}
		if err := b.record(types.HistoryEvent{
			InstanceID: inst.ID,
			Type:       types.EventTaskStarted,
			NodeID:     task.NodeID,
			TaskID:     task.ID,
			ActorID:    actor,
		}); err != nil {
			return err
		}
		if err := e.commit(ctx, b.m); err != nil {
			return err
		}
		started = task
		return nil
	})
	if err != nil {
		return types.Task{}, err
	}
	return started, nil
}
