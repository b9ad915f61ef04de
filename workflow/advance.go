package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/process-engine/graph"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// instanceFailure ends an advancement step by failing the instance instead of committing it.
type instanceFailure struct {
	reason  string
	nodeID  string
	taskID  uint64
	err     error
	details map[string]interface{}
}

func (f *instanceFailure) Error() string {
	if f.err == nil {
		return f.reason
	}
	return f.reason + ": " + f.err.Error()
}

func (f *instanceFailure) Unwrap() error {
	return f.err
}

// Advance moves an instance forward from every frontier entry that is ready to leave.
//
// Returns ErrInstanceTerminal for COMPLETED and FAILED instances. A SUSPENDED instance is left
// untouched. Routing failures, such as a failed task without an error transition, fail the
// instance and are not returned.
func (e *Engine) Advance(ctx context.Context, instanceID uint64) error {
	return e.retryConflicts(ctx, func(ctx context.Context) error {
		return e.advance(ctx, instanceID)
	})
}

func (e *Engine) advance(ctx context.Context, instanceID uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	logger := e.logger.WithField("instance_id", inst.ID)
	switch {
	case inst.Status.Terminal():
		return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, inst.ID, inst.Status)
	case inst.Status == types.InstanceSuspended:
		logger.Debug("instance suspended, advancement skipped")
		return nil
	}

	def, err := e.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	cv, err := e.store.LatestContext(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to get context: %w", err)
	}
	tasks, err := e.store.ListTasks(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	s := newStep(e, def, inst, cv.Data, tasks)
	if err := s.run(); err != nil {
		var f *instanceFailure
		if errors.As(err, &f) {
			return e.failInstance(ctx, inst, f)
		}
		return err
	}
	if !s.changed {
		logger.Debug("nothing to advance")
		return nil
	}

	inst.Frontier = s.frontier
	inst.UpdatedAt = s.b.now
	if len(s.frontier) == 0 {
		status, err := nextInstanceStatus(inst.Status, TriggerComplete)
		if err != nil {
			return err
		}
		inst.Status = status
		inst.CompletedAt = &s.b.now
		if err := s.b.record(types.HistoryEvent{InstanceID: inst.ID, Type: types.EventInstanceCompleted}); err != nil {
			return err
		}
	}
	s.b.m.Instance = &inst

	if err := e.commit(ctx, s.b.m); err != nil {
		if errors.Is(err, storage.ErrOpenTaskExists) {
			return e.failInstance(ctx, inst, &instanceFailure{
				reason: "open task already exists",
				err:    fmt.Errorf("%w: %w", ErrStructural, err),
			})
		}
		return err
	}

	logger.WithFields(logrus.Fields{
		"frontier":  inst.Frontier,
		"new_tasks": len(s.b.m.NewTasks),
		"status":    inst.Status,
	}).Debug("instance advanced")
	return nil
}

// step computes one advancement of an instance without touching storage.
type step struct {
	e        *Engine
	b        *batch
	def      types.Definition
	inst     types.Instance
	data     map[string]interface{}
	latest   map[string]types.Task
	frontier []string
	changed  bool
}

func newStep(e *Engine, def types.Definition, inst types.Instance, data map[string]interface{}, tasks []types.Task) *step {
	latest := make(map[string]types.Task, len(tasks))
	for _, t := range tasks {
		latest[t.NodeID] = t
	}
	return &step{
		e:        e,
		b:        e.newBatch(),
		def:      def,
		inst:     inst,
		data:     data,
		latest:   latest,
		frontier: make([]string, 0, len(inst.Frontier)),
	}
}

func (s *step) structural(nodeID string, format string, args ...interface{}) error {
	return &instanceFailure{
		reason: "structural error",
		nodeID: nodeID,
		err:    fmt.Errorf("%w: %s", ErrStructural, fmt.Sprintf(format, args...)),
	}
}

type departure struct {
	node types.Node
	task *types.Task
}

func (s *step) run() error {
	// Decide who leaves before anyone arrives, so an arrival cannot mask a finished task.
	var leaving []departure
	for _, id := range s.inst.Frontier {
		node, ok := s.def.Node(id)
		if !ok {
			return s.structural(id, "frontier holds unknown node %s", id)
		}
		switch {
		case node.Type == types.NodeStart:
			leaving = append(leaving, departure{node: node})
		case node.Type == types.NodeTask:
			task, ok := s.latest[id]
			if !ok {
				return s.structural(id, "task node %s has no task", id)
			}
			if task.Status.Open() {
				s.frontier = append(s.frontier, id)
				continue
			}
			leaving = append(leaving, departure{node: node, task: &task})
		case graph.IsJoin(s.def, node):
			s.frontier = append(s.frontier, id)
		default:
			return s.structural(id, "frontier holds %s node %s", node.Type, id)
		}
	}

	for _, d := range leaving {
		s.changed = true
		if err := s.leave(d.node, d.task, 0); err != nil {
			return err
		}
	}
	if err := s.releaseJoins(); err != nil {
		return err
	}

	if len(s.frontier) > 0 {
		for _, id := range s.frontier {
			if node, _ := s.def.Node(id); node.Type == types.NodeTask {
				return nil
			}
		}
		return s.structural("", "join gateways %v can never be released", s.frontier)
	}
	return nil
}

// leave resolves the outgoing transitions of node and enters every target.
func (s *step) leave(node types.Node, task *types.Task, depth int) error {
	var (
		targets []string
		err     error
	)
	if task != nil && task.Status == types.TaskFailed {
		reason := fmt.Sprintf("task %s failed: %s", node.ID, task.Error)
		if !graph.HasErrorTransitions(s.def, node.ID) {
			return &instanceFailure{reason: reason, nodeID: node.ID, taskID: task.ID}
		}
		targets, err = graph.ResolveErrorTransitions(s.def, node.ID, s.data, s.e.evaluator)
		if err != nil {
			return &instanceFailure{reason: reason, nodeID: node.ID, taskID: task.ID, err: err}
		}
	} else {
		targets, err = graph.ResolveTransitions(s.def, node.ID, s.data, s.e.evaluator)
		if err != nil {
			f := &instanceFailure{reason: "transition resolution failed", nodeID: node.ID, err: err}
			if task != nil {
				f.taskID = task.ID
			}
			return f
		}
	}

	if node.Type == types.NodeGateway {
		if err := s.b.record(types.HistoryEvent{
			InstanceID: s.inst.ID,
			Type:       types.EventGatewayEvaluated,
			NodeID:     node.ID,
			Metadata: map[string]interface{}{
				"gateway_type": string(node.GatewayType),
				"targets":      targets,
			},
		}); err != nil {
			return err
		}
		if len(targets) == 0 {
			return s.b.record(types.HistoryEvent{
				InstanceID: s.inst.ID,
				Type:       types.EventGatewayDeadEnd,
				NodeID:     node.ID,
				Metadata:   map[string]interface{}{"warning": "no outgoing condition matched, branch dropped"},
			})
		}
	}

	for _, target := range targets {
		if err := s.enter(target, depth); err != nil {
			return err
		}
	}
	return nil
}

// enter places a token on nodeID. Gateways that do not synchronize are passed through immediately.
func (s *step) enter(nodeID string, depth int) error {
	node, ok := s.def.Node(nodeID)
	if !ok {
		return s.structural(nodeID, "transition targets unknown node %s", nodeID)
	}
	if err := s.b.record(types.HistoryEvent{InstanceID: s.inst.ID, Type: types.EventNodeEntered, NodeID: node.ID}); err != nil {
		return err
	}

	switch node.Type {
	case types.NodeTask:
		return s.createTask(node)
	case types.NodeEnd:
		return nil
	case types.NodeGateway:
		if graph.IsJoin(s.def, node) {
			s.frontier = append(s.frontier, node.ID)
			return nil
		}
		if depth >= MaxGatewayDepth {
			return s.structural(node.ID, "maximum gateway depth %d exceeded", MaxGatewayDepth)
		}
		return s.leave(node, nil, depth+1)
	default:
		return s.structural(node.ID, "transition enters %s node %s", node.Type, node.ID)
	}
}

// releaseJoins fires every join gateway whose arrivals are complete until none is left.
func (s *step) releaseJoins() error {
	for round := 0; ; round++ {
		if round > MaxGatewayDepth {
			return s.structural("", "join release did not settle after %d rounds", MaxGatewayDepth)
		}
		released, err := s.releaseOne()
		if err != nil {
			return err
		}
		if !released {
			return nil
		}
	}
}

func (s *step) releaseOne() (bool, error) {
	seen := make(map[string]bool)
	for _, id := range s.frontier {
		if seen[id] {
			continue
		}
		seen[id] = true
		node, _ := s.def.Node(id)
		if !graph.IsJoin(s.def, node) {
			continue
		}

		tokens := s.count(id)
		switch node.GatewayType {
		case types.GatewayParallel:
			need := len(s.def.Incoming(id))
			if tokens < need {
				continue
			}
			s.take(id, need)
		case types.GatewayInclusive:
			if s.awaited(id) {
				continue
			}
			s.take(id, tokens)
		}
		s.changed = true
		return true, s.leave(node, nil, 0)
	}
	return false, nil
}

func (s *step) count(id string) int {
	n := 0
	for _, f := range s.frontier {
		if f == id {
			n++
		}
	}
	return n
}

// take removes n tokens of id from the frontier.
func (s *step) take(id string, n int) {
	kept := s.frontier[:0]
	for _, f := range s.frontier {
		if f == id && n > 0 {
			n--
			continue
		}
		kept = append(kept, f)
	}
	s.frontier = kept
}

// awaited reports whether another frontier entry can still reach the join id.
func (s *step) awaited(id string) bool {
	for _, f := range s.frontier {
		if f != id && graph.CanReach(s.def, f, id) {
			return true
		}
	}
	return false
}

func (s *step) createTask(node types.Node) error {
	if t, ok := s.latest[node.ID]; ok && t.Status.Open() {
		return s.structural(node.ID, "node %s already has open task %d", node.ID, t.ID)
	}
	assignee, err := s.assignee(node)
	if err != nil {
		return &instanceFailure{reason: "task assignment failed", nodeID: node.ID, err: err}
	}
	id, err := s.e.GenerateID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}

	task := types.Task{
		ID:           id,
		InstanceID:   s.inst.ID,
		NodeID:       node.ID,
		FunctionCode: node.FunctionCode,
		TaskType:     graph.TaskTypeOf(node),
		Status:       types.TaskPending,
		AssignedTo:   assignee,
		InputData:    types.CloneMap(s.data),
		CreatedAt:    s.b.now,
		UpdatedAt:    s.b.now,
	}
	s.latest[node.ID] = task
	s.frontier = append(s.frontier, node.ID)
	s.b.m.NewTasks = append(s.b.m.NewTasks, task)

	if err := s.b.record(types.HistoryEvent{
		InstanceID: s.inst.ID,
		Type:       types.EventTaskCreated,
		NodeID:     node.ID,
		TaskID:     task.ID,
		Metadata: map[string]interface{}{
			"function_code": task.FunctionCode,
			"task_type":     string(task.TaskType),
			"assigned_to":   task.AssignedTo,
		},
	}); err != nil {
		return err
	}
	if task.TaskType.WorkerDriven() {
		return s.b.enqueue(types.KindInvokeService, task.ID)
	}
	return nil
}

// assignee resolves the principal of a new task. Service tasks are never assigned.
func (s *step) assignee(node types.Node) (string, error) {
	switch graph.TaskTypeOf(node) {
	case types.ServiceTask:
		return "", nil
	case types.AgentTask:
		return node.Assignee, nil
	}
	if node.Assignee != "" || node.AssigneeExpr == "" {
		return node.Assignee, nil
	}
	v, err := s.e.evaluator.Value(node.AssigneeExpr, s.data)
	if err != nil {
		return "", fmt.Errorf("assignee expression '%s': %w", node.AssigneeExpr, err)
	}
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}
