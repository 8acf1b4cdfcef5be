// Package agent provides the concrete agent runtime. An agent is an
// addressable unit participating in pub/sub messaging with its own local
// task bookkeeping. Behavior is parameterized by a Capabilities
// descriptor (subscribed topics plus a handler table keyed by message
// type) rather than subclassing; there is exactly one Agent type.
package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"stratus/internal/bus"
	"stratus/internal/logging"
	"stratus/internal/types"
)

// State is the agent lifecycle state.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
)

// Handler processes one message for an agent. Handlers run synchronously
// inside the bus dispatch loop; panics are isolated there, but handlers
// should still leave agent state consistent (effectively atomic with
// respect to agent state).
type Handler func(a *Agent, msg types.Message)

// Capabilities describes what an agent listens to and how it reacts.
// The handler table is fixed at construction time.
type Capabilities struct {
	Topics   []string
	Handlers map[types.MessageType]Handler
}

// LocalTask is an agent-private task record, independent of the
// distributor's global table. Agents track work they personally
// initiated here.
type LocalTask struct {
	ID        string
	Type      string
	Status    types.TaskStatus
	Payload   any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is a single addressable participant on the bus.
type Agent struct {
	id   string
	kind string
	bus  *bus.Bus
	caps Capabilities

	mu    sync.Mutex
	state State
	subs  []bus.Subscription
	tasks map[string]*LocalTask
}

// New creates an agent in the initialized state. Nothing is subscribed
// until Start.
func New(id, kind string, b *bus.Bus, caps Capabilities) *Agent {
	if id == "" {
		id = uuid.NewString()
	}
	return &Agent{
		id:    id,
		kind:  kind,
		bus:   b,
		caps:  caps,
		state: StateInitialized,
		tasks: make(map[string]*LocalTask),
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Kind returns the agent type (coordinator, device, monitor, ...).
func (a *Agent) Kind() string { return a.kind }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start transitions initialized -> running and registers the topic
// subscriptions from the capability descriptor. Calling Start on a
// running agent is a no-op.
func (a *Agent) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRunning {
		return
	}
	for _, topic := range a.caps.Topics {
		sub := a.bus.Subscribe(topic, a.handleMessage)
		a.subs = append(a.subs, sub)
	}
	a.state = StateRunning
	logging.Agents("agent %s (%s) started, %d subscriptions", a.id, a.kind, len(a.subs))
}

// Stop unsubscribes from all known subscriptions and transitions to
// stopped. Safe to call even if Start was never called.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sub := range a.subs {
		a.bus.Unsubscribe(sub)
	}
	a.subs = nil
	a.state = StateStopped
	logging.Agents("agent %s (%s) stopped", a.id, a.kind)
}

// Send builds a message envelope stamped with this agent's identity and
// the current timestamp and publishes it on the conventional topic for
// the recipient type.
func (a *Agent) Send(recipientType string, mt types.MessageType, content map[string]any) {
	a.Publish(types.AgentTopic(recipientType), mt, content)
}

// Publish builds a stamped envelope and publishes it on an explicit
// topic. Used for addressed topics like device.<id> and the
// distributor's results topic.
func (a *Agent) Publish(topic string, mt types.MessageType, content map[string]any) {
	msg := types.NewMessage(a.id, a.kind, mt, content)
	a.bus.Publish(topic, msg)
}

// handleMessage resolves the handler for the message type from the
// capability table. Unknown types are dropped with a logged warning and
// never raise out of the bus dispatch loop.
func (a *Agent) handleMessage(msg types.Message) {
	h, ok := a.caps.Handlers[msg.Type]
	if !ok {
		logging.AgentsWarn("agent %s (%s): no handler for message type %q, dropping %s",
			a.id, a.kind, msg.Type, msg.ID)
		return
	}
	h(a, msg)
}

// CreateTask records a new agent-local task and returns its id.
func (a *Agent) CreateTask(taskType string, payload any) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	t := &LocalTask{
		ID:        uuid.NewString(),
		Type:      taskType,
		Status:    types.TaskQueued,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.tasks[t.ID] = t
	return t.ID
}

// UpdateTaskStatus updates an agent-local task. Returns false if the
// task is unknown.
func (a *Agent) UpdateTaskStatus(id string, status types.TaskStatus) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tasks[id]
	if !ok {
		return false
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return true
}

// Task returns a copy of an agent-local task.
func (a *Agent) Task(id string) (LocalTask, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tasks[id]
	if !ok {
		return LocalTask{}, false
	}
	return *t, true
}

// TaskCount returns the number of agent-local tasks.
func (a *Agent) TaskCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}
