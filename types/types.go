package types

import "time"

// NodeType is the kind of a vertex in a definition graph.
type NodeType string

const (
	NodeStart   NodeType = "START"
	NodeTask    NodeType = "TASK"
	NodeGateway NodeType = "GATEWAY"
	NodeEnd     NodeType = "END"
)

// GatewayType selects how a gateway picks its outgoing transitions.
type GatewayType string

const (
	GatewayExclusive GatewayType = "EXCLUSIVE"
	GatewayParallel  GatewayType = "PARALLEL"
	GatewayInclusive GatewayType = "INCLUSIVE"
)

// TaskType selects who completes a task.
type TaskType string

const (
	UserTask    TaskType = "USER_TASK"
	ServiceTask TaskType = "SERVICE_TASK"
	AgentTask   TaskType = "AI_AGENT_TASK"
)

// WorkerDriven reports whether the task is completed by the queue worker rather than a human.
func (t TaskType) WorkerDriven() bool {
	return t == ServiceTask || t == AgentTask
}

// Definition is an immutable, versioned workflow graph.
type Definition struct {
	ID          uint64                 `json:"id" yaml:"id"`
	Key         string                 `json:"key" yaml:"key"`
	Version     int                    `json:"version" yaml:"version"`
	Name        string                 `json:"name" yaml:"name"`
	Nodes       []Node                 `json:"nodes" yaml:"nodes"`
	Transitions []Transition           `json:"transitions" yaml:"transitions"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at" yaml:"-"`
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Start returns the START node.
func (d *Definition) Start() (Node, bool) {
	for _, n := range d.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the transitions leaving nodeID in declaration order.
func (d *Definition) Outgoing(nodeID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.FromNodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// Incoming returns the transitions entering nodeID.
func (d *Definition) Incoming(nodeID string) []Transition {
	var in []Transition
	for _, t := range d.Transitions {
		if t.ToNodeID == nodeID {
			in = append(in, t)
		}
	}
	return in
}

// Node represents a vertex of the definition graph.
type Node struct {
	ID           string                 `json:"id" yaml:"id"`
	Type         NodeType               `json:"type" yaml:"type"`
	Name         string                 `json:"name,omitempty" yaml:"name,omitempty"`
	FunctionCode string                 `json:"function_code,omitempty" yaml:"function_code,omitempty"`
	TaskType     TaskType               `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	GatewayType  GatewayType            `json:"gateway_type,omitempty" yaml:"gateway_type,omitempty"`
	Assignee     string                 `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	AssigneeExpr string                 `json:"assignee_expr,omitempty" yaml:"assignee_expr,omitempty"`
	TimeoutSec   int                    `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	MaxAttempts  int                    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Transition is a directed, optionally conditional edge.
type Transition struct {
	FromNodeID string `json:"from_node_id" yaml:"from_node_id"`
	ToNodeID   string `json:"to_node_id" yaml:"to_node_id"`
	Condition  string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority   int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	// OnError marks an error-handling edge, followed only when the source task FAILED.
	OnError bool `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceSuspended InstanceStatus = "SUSPENDED"
)

// Terminal reports whether no further mutation is permitted.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed
}

// Instance is one execution of a definition.
type Instance struct {
	ID           uint64         `json:"id"`
	DefinitionID uint64         `json:"definition_id"`
	Status       InstanceStatus `json:"status"`
	// Frontier is the multiset of node ids the instance occupies.
	Frontier []string `json:"frontier"`
	// Revision guards concurrent writers; storage bumps it on every update.
	Revision    int64      `json:"revision"`
	FailReason  string     `json:"fail_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// Open reports whether the task still awaits completion.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskInProgress
}

// OpenTaskStatuses lists the statuses a task can be completed from.
var OpenTaskStatuses = []TaskStatus{TaskPending, TaskInProgress}

// Task is one unit of work bound to a single TASK-node occurrence.
type Task struct {
	ID           uint64                 `json:"id"`
	InstanceID   uint64                 `json:"instance_id"`
	NodeID       string                 `json:"node_id"`
	FunctionCode string                 `json:"function_code"`
	TaskType     TaskType               `json:"task_type"`
	Status       TaskStatus             `json:"status"`
	AssignedTo   string                 `json:"assigned_to,omitempty"`
	InputData    map[string]interface{} `json:"input_data,omitempty"`
	OutputData   map[string]interface{} `json:"output_data,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// ContextVersion is one append-only snapshot of an instance context.
type ContextVersion struct {
	InstanceID uint64                 `json:"instance_id"`
	Version    int                    `json:"version"`
	Data       map[string]interface{} `json:"context_data"`
	CreatedAt  time.Time              `json:"created_at"`
}

// EventType names an audited engine action.
type EventType string

const (
	EventInstanceStarted   EventType = "INSTANCE_STARTED"
	EventNodeEntered       EventType = "NODE_ENTERED"
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskStarted       EventType = "TASK_STARTED"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskFailed        EventType = "TASK_FAILED"
	EventTaskSkipped       EventType = "TASK_SKIPPED"
	EventGatewayEvaluated  EventType = "GATEWAY_EVALUATED"
	EventGatewayDeadEnd    EventType = "GATEWAY_DEAD_END"
	EventServiceRetry      EventType = "SERVICE_RETRY_SCHEDULED"
	EventInstanceCompleted EventType = "INSTANCE_COMPLETED"
	EventInstanceFailed    EventType = "INSTANCE_FAILED"
	EventInstanceSuspended EventType = "INSTANCE_SUSPENDED"
	EventInstanceResumed   EventType = "INSTANCE_RESUMED"
)

// HistoryEvent is a write-once audit record.
type HistoryEvent struct {
	ID         uint64                 `json:"id"`
	InstanceID uint64                 `json:"instance_id"`
	Type       EventType              `json:"event_type"`
	NodeID     string                 `json:"node_id,omitempty"`
	TaskID     uint64                 `json:"task_id,omitempty"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"event_timestamp"`
}

// QueueKind selects the handler for a queue item.
type QueueKind string

const (
	KindAdvanceInstance QueueKind = "ADVANCE_INSTANCE"
	KindInvokeService   QueueKind = "INVOKE_SERVICE_TASK"
)

// QueueStatus is the processing state of a queue item.
type QueueStatus string

const (
	QueuePending   QueueStatus = "PENDING"
	QueueRunning   QueueStatus = "RUNNING"
	QueueSucceeded QueueStatus = "SUCCEEDED"
	QueueFailed    QueueStatus = "FAILED"
)

// QueueItem is a transient, retryable work descriptor.
type QueueItem struct {
	ID   uint64    `json:"id"`
	Kind QueueKind `json:"kind"`
	// Payload is the instance id for ADVANCE_INSTANCE and the task id for INVOKE_SERVICE_TASK.
	Payload       uint64      `json:"payload"`
	Status        QueueStatus `json:"status"`
	AttemptCount  int         `json:"attempt_count"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	ClaimedBy     string      `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time  `json:"claimed_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	// FailureRecorded is set once a FAILED item's failure is reflected in history.
	FailureRecorded bool      `json:"failure_recorded,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Reclaimed is set by Claim when the item was taken over from an expired lease.
	Reclaimed bool `json:"-"`
}

// CloneMap copies the top level of a context map.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
