package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

var (
	// ErrNoMatchingTransition is returned when an exclusive choice finds no true condition and no default.
	ErrNoMatchingTransition = errors.New("no matching transition")
	// ErrConditionFailed wraps a condition that could not be evaluated.
	ErrConditionFailed = errors.New("condition evaluation failed")
	// ErrUnknownNode is returned for a node id absent from the definition.
	ErrUnknownNode = errors.New("unknown node")
)

// ResolveTransitions returns the target node ids taken when leaving nodeID normally.
// It is pure: the context is only read.
//
// EXCLUSIVE gateways (and START/TASK nodes) take the first conditional transition, in priority
// order, whose condition is true, falling back to the unconditional default. PARALLEL gateways
// take every transition. INCLUSIVE gateways take every transition whose condition is true and
// may return an empty slice.
func ResolveTransitions(def types.Definition, nodeID string, context map[string]interface{}, evaluator rules.Evaluator) ([]string, error) {
	return resolve(def, nodeID, context, evaluator, false)
}

// ResolveErrorTransitions returns the targets taken when the task at nodeID FAILED.
// An empty result with a nil error means the node declares no error transitions.
func ResolveErrorTransitions(def types.Definition, nodeID string, context map[string]interface{}, evaluator rules.Evaluator) ([]string, error) {
	return resolve(def, nodeID, context, evaluator, true)
}

// HasErrorTransitions reports whether nodeID declares at least one error transition.
func HasErrorTransitions(def types.Definition, nodeID string) bool {
	for _, t := range def.Outgoing(nodeID) {
		if t.OnError {
			return true
		}
	}
	return false
}

func resolve(def types.Definition, nodeID string, context map[string]interface{}, evaluator rules.Evaluator, onError bool) ([]string, error) {
	node, ok := def.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	candidates := make([]types.Transition, 0)
	for _, t := range def.Outgoing(nodeID) {
		if t.OnError == onError {
			candidates = append(candidates, t)
		}
	}
	if onError && len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	if node.Type == types.NodeGateway {
		switch node.GatewayType {
		case types.GatewayParallel:
			targets := make([]string, 0, len(candidates))
			for _, t := range candidates {
				targets = append(targets, t.ToNodeID)
			}
			return targets, nil
		case types.GatewayInclusive:
			targets := make([]string, 0, len(candidates))
			for _, t := range candidates {
				ok, err := evaluate(evaluator, t, context)
				if err != nil {
					return nil, err
				}
				if ok {
					targets = append(targets, t.ToNodeID)
				}
			}
			return targets, nil
		}
	}

	var fallback *types.Transition
	for i, t := range candidates {
		if t.Condition == "" {
			if fallback == nil {
				fallback = &candidates[i]
			}
			continue
		}
		ok, err := evaluate(evaluator, t, context)
		if err != nil {
			return nil, err
		}
		if ok {
			return []string{t.ToNodeID}, nil
		}
	}
	if fallback != nil {
		return []string{fallback.ToNodeID}, nil
	}
	return nil, fmt.Errorf("%w: leaving node %s", ErrNoMatchingTransition, nodeID)
}

func evaluate(evaluator rules.Evaluator, t types.Transition, context map[string]interface{}) (bool, error) {
	ok, err := evaluator.Evaluate(t.Condition, context)
	if err != nil {
		return false, fmt.Errorf("%w: %s -> %s '%s': %v", ErrConditionFailed, t.FromNodeID, t.ToNodeID, t.Condition, err)
	}
	return ok, nil
}

// IsJoin reports whether node is a synchronizing gateway: a PARALLEL or INCLUSIVE gateway
// with more than one incoming transition.
func IsJoin(def types.Definition, node types.Node) bool {
	if node.Type != types.NodeGateway {
		return false
	}
	if node.GatewayType != types.GatewayParallel && node.GatewayType != types.GatewayInclusive {
		return false
	}
	return len(def.Incoming(node.ID)) > 1
}
