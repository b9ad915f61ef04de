package workflow

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/songzhibin97/process-engine/types"
)

// Trigger names a requested status change.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
	TriggerSkip     Trigger = "skip"
	TriggerSuspend  Trigger = "suspend"
	TriggerResume   Trigger = "resume"
)

func instanceMachine(status types.InstanceStatus) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(status)

	fsm.Configure(types.InstanceRunning).
		Permit(TriggerComplete, types.InstanceCompleted).
		Permit(TriggerFail, types.InstanceFailed).
		Permit(TriggerSuspend, types.InstanceSuspended)

	fsm.Configure(types.InstanceSuspended).
		Permit(TriggerResume, types.InstanceRunning).
		Permit(TriggerFail, types.InstanceFailed)

	fsm.Configure(types.InstanceCompleted)
	fsm.Configure(types.InstanceFailed)

	return fsm
}

func taskMachine(status types.TaskStatus) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(status)

	fsm.Configure(types.TaskPending).
		Permit(TriggerStart, types.TaskInProgress).
		Permit(TriggerComplete, types.TaskCompleted).
		Permit(TriggerFail, types.TaskFailed).
		Permit(TriggerSkip, types.TaskSkipped)

	fsm.Configure(types.TaskInProgress).
		Permit(TriggerComplete, types.TaskCompleted).
		Permit(TriggerFail, types.TaskFailed).
		Permit(TriggerSkip, types.TaskSkipped)

	return fsm
}

// nextInstanceStatus returns the status reached by firing trigger from status.
func nextInstanceStatus(status types.InstanceStatus, trigger Trigger) (types.InstanceStatus, error) {
	if status.Terminal() {
		return status, fmt.Errorf("%w: instance is %s", ErrInstanceTerminal, status)
	}
	fsm := instanceMachine(status)
	if err := fsm.Fire(trigger); err != nil {
		return status, fmt.Errorf("%w: cannot %s an instance that is %s", ErrInvalidState, trigger, status)
	}
	return fsm.MustState().(types.InstanceStatus), nil
}

// nextTaskStatus returns the status reached by firing trigger from status.
func nextTaskStatus(status types.TaskStatus, trigger Trigger) (types.TaskStatus, error) {
	if !status.Open() {
		return status, fmt.Errorf("%w: task is %s", ErrTaskAlreadyTerminal, status)
	}
	fsm := taskMachine(status)
	if err := fsm.Fire(trigger); err != nil {
		return status, fmt.Errorf("%w: cannot %s a task that is %s", ErrInvalidState, trigger, status)
	}
	return fsm.MustState().(types.TaskStatus), nil
}
