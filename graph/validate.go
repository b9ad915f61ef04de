// Package graph validates workflow definitions and resolves the transitions taken out of a node.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

// ErrInvalidDefinition wraps every validation failure returned by Result.Err.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Issue codes.
const (
	CodeNoNodes             = "no_nodes"
	CodeEmptyNodeID         = "empty_node_id"
	CodeDuplicateNode       = "duplicate_node"
	CodeUnknownNodeType     = "unknown_node_type"
	CodeStartCount          = "start_count"
	CodeNoEnd               = "no_end"
	CodeMissingFunction     = "missing_function_code"
	CodeUnknownTaskType     = "unknown_task_type"
	CodeUnknownGatewayType  = "unknown_gateway_type"
	CodeMissingNode         = "missing_transition_node"
	CodeTransitionIntoStart = "transition_into_start"
	CodeErrorEdgeSource     = "error_transition_source"
	CodeBadCondition        = "bad_condition"
	CodeEndHasOutgoing      = "end_has_outgoing"
	CodeNoOutgoing          = "no_outgoing"
	CodeMultipleDefaults    = "multiple_defaults"
	CodeUnreachable         = "unreachable"
	CodeNoPathToEnd         = "no_path_to_end"
	CodeConditionIgnored    = "parallel_condition_ignored"
)

// Issue is a single validation finding.
type Issue struct {
	Code    string `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.NodeID == "" {
		return i.Message
	}
	return fmt.Sprintf("node %s: %s", i.NodeID, i.Message)
}

// Result is the outcome of Validate. Warnings never reject a definition.
type Result struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid reports whether the definition has no errors.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns nil for a valid result, otherwise an error wrapping ErrInvalidDefinition.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, i := range r.Errors {
		msgs = append(msgs, i.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
}

func (r *Result) errorf(code, nodeID, format string, args ...interface{}) {
	r.Errors = append(r.Errors, Issue{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(code, nodeID, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Issue{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

// TaskTypeOf returns the task type of a TASK node, defaulting to USER_TASK.
func TaskTypeOf(n types.Node) types.TaskType {
	if n.TaskType == "" {
		return types.UserTask
	}
	return n.TaskType
}

// Validate checks the structural invariants of a definition. Cycles that never reach an
// END node are reported as warnings since human-in-the-loop workflows may loop.
func Validate(def types.Definition, evaluator rules.Evaluator) Result {
	var res Result
	if len(def.Nodes) == 0 {
		res.errorf(CodeNoNodes, "", "definition has no nodes")
		return res
	}

	nodes := make(map[string]types.Node, len(def.Nodes))
	starts, ends := 0, 0
	for _, n := range def.Nodes {
		if n.ID == "" {
			res.errorf(CodeEmptyNodeID, "", "node id cannot be empty")
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			res.errorf(CodeDuplicateNode, n.ID, "duplicate node id")
			continue
		}
		nodes[n.ID] = n

		switch n.Type {
		case types.NodeStart:
			starts++
		case types.NodeEnd:
			ends++
		case types.NodeTask:
			if n.FunctionCode == "" {
				res.errorf(CodeMissingFunction, n.ID, "task node requires a function_code")
			}
			switch TaskTypeOf(n) {
			case types.UserTask, types.ServiceTask, types.AgentTask:
			default:
				res.errorf(CodeUnknownTaskType, n.ID, "unknown task type %q", n.TaskType)
			}
		case types.NodeGateway:
			switch n.GatewayType {
			case types.GatewayExclusive, types.GatewayParallel, types.GatewayInclusive:
			default:
				res.errorf(CodeUnknownGatewayType, n.ID, "unknown gateway type %q", n.GatewayType)
			}
		default:
			res.errorf(CodeUnknownNodeType, n.ID, "unknown node type %q", n.Type)
		}
		if n.AssigneeExpr != "" && evaluator != nil {
			if err := evaluator.Compile(n.AssigneeExpr); err != nil {
				res.errorf(CodeBadCondition, n.ID, "assignee expression: %v", err)
			}
		}
	}
	if starts != 1 {
		res.errorf(CodeStartCount, "", "definition must have exactly one start node, found %d", starts)
	}
	if ends == 0 {
		res.errorf(CodeNoEnd, "", "definition has no end node")
	}

	for i, t := range def.Transitions {
		from, okFrom := nodes[t.FromNodeID]
		to, okTo := nodes[t.ToNodeID]
		if !okFrom {
			res.errorf(CodeMissingNode, t.FromNodeID, "transition %d references unknown source node", i)
		}
		if !okTo {
			res.errorf(CodeMissingNode, t.ToNodeID, "transition %d references unknown target node", i)
		}
		if okTo && to.Type == types.NodeStart {
			res.errorf(CodeTransitionIntoStart, to.ID, "transition %d enters the start node", i)
		}
		if okFrom && t.OnError && from.Type != types.NodeTask {
			res.errorf(CodeErrorEdgeSource, from.ID, "error transitions may only leave task nodes")
		}
		if t.Condition != "" && evaluator != nil {
			if err := evaluator.Compile(t.Condition); err != nil {
				res.errorf(CodeBadCondition, t.FromNodeID, "transition %d condition: %v", i, err)
			}
		}
	}

	for _, n := range def.Nodes {
		if _, ok := nodes[n.ID]; !ok {
			continue
		}
		out := def.Outgoing(n.ID)
		normal := 0
		defaults := 0
		conditional := 0
		for _, t := range out {
			if t.OnError {
				continue
			}
			normal++
			if t.Condition == "" {
				defaults++
			} else {
				conditional++
			}
		}
		switch {
		case n.Type == types.NodeEnd:
			if len(out) > 0 {
				res.errorf(CodeEndHasOutgoing, n.ID, "end node has outgoing transitions")
			}
			continue
		case normal == 0:
			res.errorf(CodeNoOutgoing, n.ID, "non-end node has no outgoing transition")
			continue
		}
		if routesExclusively(n) && defaults > 1 {
			res.errorf(CodeMultipleDefaults, n.ID, "%d unconditional transitions; at most one default is allowed", defaults)
		}
		if n.Type == types.NodeGateway && n.GatewayType == types.GatewayParallel && conditional > 0 {
			res.warnf(CodeConditionIgnored, n.ID, "conditions on parallel gateway transitions are ignored")
		}
	}

	if !res.Valid() {
		return res
	}

	start, _ := def.Start()
	reachable := forwardReach(def, start.ID)
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			res.errorf(CodeUnreachable, n.ID, "node is not reachable from start")
		}
	}

	toEnd := backwardReachFromEnds(def)
	for _, n := range def.Nodes {
		if reachable[n.ID] && !toEnd[n.ID] {
			res.warnf(CodeNoPathToEnd, n.ID, "node has no path to an end node")
		}
	}
	return res
}

// routesExclusively reports whether the node picks a single outgoing transition.
func routesExclusively(n types.Node) bool {
	switch n.Type {
	case types.NodeStart, types.NodeTask:
		return true
	case types.NodeGateway:
		return n.GatewayType == types.GatewayExclusive
	}
	return false
}

func forwardReach(def types.Definition, from string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range def.Outgoing(id) {
			if !seen[t.ToNodeID] {
				seen[t.ToNodeID] = true
				queue = append(queue, t.ToNodeID)
			}
		}
	}
	return seen
}

func backwardReachFromEnds(def types.Definition) map[string]bool {
	seen := make(map[string]bool)
	var queue []string
	for _, n := range def.Nodes {
		if n.Type == types.NodeEnd {
			seen[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range def.Incoming(id) {
			if !seen[t.FromNodeID] {
				seen[t.FromNodeID] = true
				queue = append(queue, t.FromNodeID)
			}
		}
	}
	return seen
}

// CanReach reports whether a path leads from one node to another.
func CanReach(def types.Definition, from, to string) bool {
	if from == to {
		return true
	}
	return forwardReach(def, from)[to]
}
