package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

func linear() types.Definition {
	return types.Definition{
		Key: "linear",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "A", Type: types.NodeTask, FunctionCode: "fn.a", TaskType: types.UserTask},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{FromNodeID: "start", ToNodeID: "A"},
			{FromNodeID: "A", ToNodeID: "end"},
		},
	}
}

func approval() types.Definition {
	return types.Definition{
		Key: "approval",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "gw", Type: types.NodeGateway, GatewayType: types.GatewayExclusive},
			{ID: "approve", Type: types.NodeTask, FunctionCode: "fn.approve"},
			{ID: "reject", Type: types.NodeTask, FunctionCode: "fn.reject"},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{FromNodeID: "start", ToNodeID: "gw"},
			{FromNodeID: "gw", ToNodeID: "approve", Condition: "approved == true", Priority: 1},
			{FromNodeID: "gw", ToNodeID: "reject", Priority: 2},
			{FromNodeID: "approve", ToNodeID: "end"},
			{FromNodeID: "reject", ToNodeID: "end"},
		},
	}
}

func TestValidate(t *testing.T) {
	ev := rules.NewExprEvaluator()

	t.Run("valid linear", func(t *testing.T) {
		res := Validate(linear(), ev)
		assert.True(t, res.Valid(), res.Errors)
		assert.Empty(t, res.Warnings)
		assert.NoError(t, res.Err())
	})

	t.Run("valid exclusive", func(t *testing.T) {
		res := Validate(approval(), ev)
		assert.True(t, res.Valid(), res.Errors)
	})

	codes := func(issues []Issue) []string {
		out := make([]string, 0, len(issues))
		for _, i := range issues {
			out = append(out, i.Code)
		}
		return out
	}

	tests := []struct {
		name   string
		mutate func(d *types.Definition)
		code   string
	}{
		{"no nodes", func(d *types.Definition) { d.Nodes = nil }, CodeNoNodes},
		{"duplicate node", func(d *types.Definition) {
			d.Nodes = append(d.Nodes, types.Node{ID: "A", Type: types.NodeEnd})
		}, CodeDuplicateNode},
		{"two starts", func(d *types.Definition) {
			d.Nodes = append(d.Nodes, types.Node{ID: "start2", Type: types.NodeStart})
			d.Transitions = append(d.Transitions, types.Transition{FromNodeID: "start2", ToNodeID: "end"})
		}, CodeStartCount},
		{"missing target", func(d *types.Definition) {
			d.Transitions = append(d.Transitions, types.Transition{FromNodeID: "A", ToNodeID: "ghost", Condition: "x"})
		}, CodeMissingNode},
		{"dead end task", func(d *types.Definition) {
			d.Transitions = d.Transitions[:1]
		}, CodeNoOutgoing},
		{"task without function", func(d *types.Definition) { d.Nodes[1].FunctionCode = "" }, CodeMissingFunction},
		{"bad condition", func(d *types.Definition) { d.Transitions[1].Condition = "x >>> 1" }, CodeBadCondition},
		{"unreachable", func(d *types.Definition) {
			d.Nodes = append(d.Nodes, types.Node{ID: "B", Type: types.NodeTask, FunctionCode: "fn.b"})
			d.Transitions = append(d.Transitions, types.Transition{FromNodeID: "B", ToNodeID: "end"})
		}, CodeUnreachable},
		{"end with outgoing", func(d *types.Definition) {
			d.Transitions = append(d.Transitions, types.Transition{FromNodeID: "end", ToNodeID: "A"})
		}, CodeEndHasOutgoing},
		{"two defaults", func(d *types.Definition) {
			d.Nodes = append(d.Nodes, types.Node{ID: "end2", Type: types.NodeEnd})
			d.Transitions = append(d.Transitions, types.Transition{FromNodeID: "A", ToNodeID: "end2"})
		}, CodeMultipleDefaults},
		{"error edge from start", func(d *types.Definition) {
			d.Transitions = append(d.Transitions, types.Transition{FromNodeID: "start", ToNodeID: "end", OnError: true})
		}, CodeErrorEdgeSource},
		{"unknown gateway", func(d *types.Definition) {
			d.Nodes = append(d.Nodes, types.Node{ID: "gw", Type: types.NodeGateway, GatewayType: "XOR"})
			d.Transitions = append(d.Transitions, types.Transition{FromNodeID: "gw", ToNodeID: "end"})
		}, CodeUnknownGatewayType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := linear()
			tt.mutate(&def)
			res := Validate(def, ev)
			assert.False(t, res.Valid())
			assert.Contains(t, codes(res.Errors), tt.code)
			assert.ErrorIs(t, res.Err(), ErrInvalidDefinition)
		})
	}

	t.Run("loop without end is a warning", func(t *testing.T) {
		def := linear()
		def.Nodes = append(def.Nodes,
			types.Node{ID: "gw", Type: types.NodeGateway, GatewayType: types.GatewayExclusive},
			types.Node{ID: "B", Type: types.NodeTask, FunctionCode: "fn.b"},
			types.Node{ID: "C", Type: types.NodeTask, FunctionCode: "fn.c"},
		)
		def.Transitions = []types.Transition{
			{FromNodeID: "start", ToNodeID: "gw"},
			{FromNodeID: "gw", ToNodeID: "A", Condition: "go == true"},
			{FromNodeID: "gw", ToNodeID: "B"},
			{FromNodeID: "A", ToNodeID: "end"},
			{FromNodeID: "B", ToNodeID: "C"},
			{FromNodeID: "C", ToNodeID: "B"},
		}
		res := Validate(def, ev)
		assert.True(t, res.Valid(), res.Errors)
		assert.ElementsMatch(t, []string{CodeNoPathToEnd, CodeNoPathToEnd}, codes(res.Warnings))
	})

	t.Run("review loop reaching end is clean", func(t *testing.T) {
		def := linear()
		def.Nodes = append(def.Nodes, types.Node{ID: "gw", Type: types.NodeGateway, GatewayType: types.GatewayExclusive})
		def.Transitions = []types.Transition{
			{FromNodeID: "start", ToNodeID: "A"},
			{FromNodeID: "A", ToNodeID: "gw"},
			{FromNodeID: "gw", ToNodeID: "A", Condition: "A.redo == true"},
			{FromNodeID: "gw", ToNodeID: "end"},
		}
		res := Validate(def, ev)
		assert.True(t, res.Valid(), res.Errors)
		assert.Empty(t, res.Warnings)
	})
}

func TestResolveTransitions(t *testing.T) {
	ev := rules.NewExprEvaluator()

	t.Run("exclusive picks matching branch", func(t *testing.T) {
		targets, err := ResolveTransitions(approval(), "gw", map[string]interface{}{"approved": true}, ev)
		require.NoError(t, err)
		assert.Equal(t, []string{"approve"}, targets)
	})

	t.Run("exclusive falls back to default", func(t *testing.T) {
		targets, err := ResolveTransitions(approval(), "gw", map[string]interface{}{"approved": false}, ev)
		require.NoError(t, err)
		assert.Equal(t, []string{"reject"}, targets)
	})

	t.Run("exclusive honours priority", func(t *testing.T) {
		def := approval()
		def.Transitions[2] = types.Transition{FromNodeID: "gw", ToNodeID: "reject", Condition: "true", Priority: 0}
		targets, err := ResolveTransitions(def, "gw", map[string]interface{}{"approved": true}, ev)
		require.NoError(t, err)
		assert.Equal(t, []string{"reject"}, targets)
	})

	t.Run("exclusive without match or default", func(t *testing.T) {
		def := approval()
		def.Transitions[2].Condition = "approved == false"
		_, err := ResolveTransitions(def, "gw", map[string]interface{}{"approved": nil}, ev)
		assert.ErrorIs(t, err, ErrNoMatchingTransition)
	})

	t.Run("condition error", func(t *testing.T) {
		def := approval()
		def.Transitions[1].Condition = "approved + 1"
		_, err := ResolveTransitions(def, "gw", map[string]interface{}{"approved": 1}, ev)
		assert.ErrorIs(t, err, ErrConditionFailed)
	})

	t.Run("parallel takes all", func(t *testing.T) {
		def := types.Definition{
			Nodes: []types.Node{
				{ID: "fork", Type: types.NodeGateway, GatewayType: types.GatewayParallel},
				{ID: "A", Type: types.NodeTask}, {ID: "B", Type: types.NodeTask},
			},
			Transitions: []types.Transition{
				{FromNodeID: "fork", ToNodeID: "A", Condition: "false"},
				{FromNodeID: "fork", ToNodeID: "B"},
			},
		}
		targets, err := ResolveTransitions(def, "fork", nil, ev)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, targets)
	})

	t.Run("inclusive takes true branches and may be empty", func(t *testing.T) {
		def := types.Definition{
			Nodes: []types.Node{
				{ID: "or", Type: types.NodeGateway, GatewayType: types.GatewayInclusive},
				{ID: "A", Type: types.NodeTask}, {ID: "B", Type: types.NodeTask}, {ID: "C", Type: types.NodeTask},
			},
			Transitions: []types.Transition{
				{FromNodeID: "or", ToNodeID: "A", Condition: "amount > 10"},
				{FromNodeID: "or", ToNodeID: "B", Condition: "amount > 100"},
				{FromNodeID: "or", ToNodeID: "C", Condition: "vip == true"},
			},
		}
		targets, err := ResolveTransitions(def, "or", map[string]interface{}{"amount": 50, "vip": true}, ev)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "C"}, targets)

		targets, err = ResolveTransitions(def, "or", map[string]interface{}{"amount": 1, "vip": false}, ev)
		require.NoError(t, err)
		assert.Empty(t, targets)
	})

	t.Run("error transitions", func(t *testing.T) {
		def := linear()
		assert.False(t, HasErrorTransitions(def, "A"))
		targets, err := ResolveErrorTransitions(def, "A", nil, ev)
		require.NoError(t, err)
		assert.Empty(t, targets)

		def.Nodes = append(def.Nodes, types.Node{ID: "fix", Type: types.NodeTask, FunctionCode: "fn.fix"})
		def.Transitions = append(def.Transitions,
			types.Transition{FromNodeID: "A", ToNodeID: "fix", OnError: true},
			types.Transition{FromNodeID: "fix", ToNodeID: "end"},
		)
		assert.True(t, HasErrorTransitions(def, "A"))
		targets, err = ResolveErrorTransitions(def, "A", nil, ev)
		require.NoError(t, err)
		assert.Equal(t, []string{"fix"}, targets)

		targets, err = ResolveTransitions(def, "A", nil, ev)
		require.NoError(t, err)
		assert.Equal(t, []string{"end"}, targets)
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := ResolveTransitions(linear(), "ghost", nil, ev)
		assert.ErrorIs(t, err, ErrUnknownNode)
	})
}

func TestIsJoinAndReach(t *testing.T) {
	def := types.Definition{
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "fork", Type: types.NodeGateway, GatewayType: types.GatewayParallel},
			{ID: "A", Type: types.NodeTask}, {ID: "B", Type: types.NodeTask},
			{ID: "join", Type: types.NodeGateway, GatewayType: types.GatewayParallel},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{FromNodeID: "start", ToNodeID: "fork"},
			{FromNodeID: "fork", ToNodeID: "A"},
			{FromNodeID: "fork", ToNodeID: "B"},
			{FromNodeID: "A", ToNodeID: "join"},
			{FromNodeID: "B", ToNodeID: "join"},
			{FromNodeID: "join", ToNodeID: "end"},
		},
	}
	fork, _ := def.Node("fork")
	join, _ := def.Node("join")
	assert.False(t, IsJoin(def, fork))
	assert.True(t, IsJoin(def, join))
	assert.True(t, CanReach(def, "A", "join"))
	assert.False(t, CanReach(def, "join", "A"))
}

func TestParse(t *testing.T) {
	doc := []byte(`
key: expense
name: Expense approval
nodes:
  - id: start
    type: START
  - id: review
    type: TASK
    function_code: expense.review
    assignee: manager
  - id: pay
    type: TASK
    function_code: expense.pay
    task_type: SERVICE_TASK
    timeout_sec: 10
  - id: end
    type: END
transitions:
  - from_node_id: start
    to_node_id: review
  - from_node_id: review
    to_node_id: pay
    condition: review.approved == true
  - from_node_id: review
    to_node_id: end
  - from_node_id: pay
    to_node_id: end
`)
	def, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "expense", def.Key)
	require.Len(t, def.Nodes, 4)
	assert.Equal(t, types.UserTask, def.Nodes[1].TaskType)
	assert.Equal(t, types.ServiceTask, def.Nodes[2].TaskType)
	assert.Equal(t, 10, def.Nodes[2].TimeoutSec)
	assert.Equal(t, "review.approved == true", def.Transitions[1].Condition)
	assert.True(t, Validate(def, rules.NewExprEvaluator()).Valid())

	jsonDoc := []byte(`{"key":"j","nodes":[{"id":"s","type":"START"},{"id":"e","type":"END"}],"transitions":[{"from_node_id":"s","to_node_id":"e"}]}`)
	def, err = Parse(jsonDoc)
	require.NoError(t, err)
	assert.Equal(t, "s", def.Transitions[0].FromNodeID)

	_, err = Parse([]byte("nodes: [unterminated"))
	assert.Error(t, err)
}
