package agent

import (
	"errors"
	"sync"
	"testing"
	"time"

	"stratus/internal/bus"
	"stratus/internal/types"
)

var errTest = errors.New("model diverged")

func newTestBus() *bus.Bus {
	return bus.New(bus.Options{
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestAgentLifecycle(t *testing.T) {
	b := newTestBus()
	a := New("a1", "monitor", b, Capabilities{})

	if a.State() != StateInitialized {
		t.Errorf("state = %s, want %s", a.State(), StateInitialized)
	}
	a.Start()
	if a.State() != StateRunning {
		t.Errorf("state = %s, want %s", a.State(), StateRunning)
	}
	a.Start() // no-op
	a.Stop()
	if a.State() != StateStopped {
		t.Errorf("state = %s, want %s", a.State(), StateStopped)
	}
}

func TestStopWithoutStart(t *testing.T) {
	b := newTestBus()
	a := New("a1", "monitor", b, Capabilities{})
	a.Stop()
	if a.State() != StateStopped {
		t.Errorf("state = %s, want %s", a.State(), StateStopped)
	}
}

func TestNewAssignsIDWhenEmpty(t *testing.T) {
	b := newTestBus()
	a := New("", "monitor", b, Capabilities{})
	if a.ID() == "" {
		t.Error("expected generated agent id")
	}
}

func TestHandlerDispatchByMessageType(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var handled []types.MessageType
	caps := Capabilities{
		Topics: []string{types.AgentTopic("monitor")},
		Handlers: map[types.MessageType]Handler{
			types.MessageStatusReport: func(a *Agent, msg types.Message) {
				mu.Lock()
				handled = append(handled, msg.Type)
				mu.Unlock()
			},
		},
	}
	a := New("mon-1", "monitor", b, caps)
	a.Start()
	defer a.Stop()

	sender := New("coord-1", "coordinator", b, Capabilities{})
	sender.Send("monitor", types.MessageStatusReport, map[string]any{"ok": true})
	// Unknown type for this agent: dropped without a handler.
	sender.Send("monitor", types.MessageAnomalyAlert, nil)
	sender.Send("monitor", types.MessageStatusReport, nil)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	for _, mt := range handled {
		if mt != types.MessageStatusReport {
			t.Errorf("handled unexpected type %s", mt)
		}
	}
}

func TestStoppedAgentReceivesNothing(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	count := 0
	a := New("mon-1", "monitor", b, Capabilities{
		Topics: []string{"t"},
		Handlers: map[types.MessageType]Handler{
			types.MessageStatusReport: func(*Agent, types.Message) {
				mu.Lock()
				count++
				mu.Unlock()
			},
		},
	})
	a.Start()
	a.Publish("t", types.MessageStatusReport, nil)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	a.Stop()
	a.Publish("t", types.MessageStatusReport, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d after stop, want 1", count)
	}
}

func TestLocalTaskBookkeeping(t *testing.T) {
	b := newTestBus()
	a := New("a1", "worker", b, Capabilities{})

	id := a.CreateTask("data_processing", []any{1, 2, 3})
	task, ok := a.Task(id)
	if !ok {
		t.Fatal("task not found")
	}
	if task.Status != types.TaskQueued {
		t.Errorf("status = %s, want %s", task.Status, types.TaskQueued)
	}

	if !a.UpdateTaskStatus(id, types.TaskCompleted) {
		t.Error("UpdateTaskStatus returned false for known task")
	}
	task, _ = a.Task(id)
	if task.Status != types.TaskCompleted {
		t.Errorf("status = %s, want %s", task.Status, types.TaskCompleted)
	}

	if a.UpdateTaskStatus("missing", types.TaskFailed) {
		t.Error("UpdateTaskStatus returned true for unknown task")
	}
	if a.TaskCount() != 1 {
		t.Errorf("TaskCount = %d, want 1", a.TaskCount())
	}
}

func TestDeviceAgentExecutesAndReports(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	profile := types.DeviceProfile{ID: "dev-1", Kind: types.DeviceLaptop}
	exec := func(taskType string, payload any) (any, error) {
		return map[string]any{"echo": payload}, nil
	}
	a := NewDeviceAgent(profile, b, exec)
	a.Start()
	defer a.Stop()

	var mu sync.Mutex
	var results []types.Message
	b.Subscribe(types.TopicResults, func(msg types.Message) {
		mu.Lock()
		results = append(results, msg)
		mu.Unlock()
	})

	assignment := types.NewMessage("distributor", "distributor", types.MessageExecuteTask, map[string]any{
		"subtask_id": "task-1-0",
		"task_id":    "task-1",
		"task_type":  "prediction",
		"data":       "payload",
	})
	b.Publish(types.DeviceTopic("dev-1"), assignment)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	got := results[0]
	if got.Type != types.MessageSubtaskResult {
		t.Errorf("type = %s, want %s", got.Type, types.MessageSubtaskResult)
	}
	if got.SenderID != "dev-1" {
		t.Errorf("sender = %s, want dev-1", got.SenderID)
	}
	if got.Content["status"] != string(types.SubtaskCompleted) {
		t.Errorf("status = %v, want completed", got.Content["status"])
	}
	if got.Content["subtask_id"] != "task-1-0" {
		t.Errorf("subtask_id = %v, want task-1-0", got.Content["subtask_id"])
	}
}

func TestDeviceAgentReportsFailure(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	profile := types.DeviceProfile{ID: "dev-2", Kind: types.DeviceMobile}
	exec := func(taskType string, payload any) (any, error) {
		return nil, errTest
	}
	a := NewDeviceAgent(profile, b, exec)
	a.Start()
	defer a.Stop()

	var mu sync.Mutex
	var results []types.Message
	b.Subscribe(types.TopicResults, func(msg types.Message) {
		mu.Lock()
		results = append(results, msg)
		mu.Unlock()
	})

	b.Publish(types.DeviceTopic("dev-2"), types.NewMessage("distributor", "distributor", types.MessageExecuteTask, map[string]any{
		"subtask_id": "task-2-0",
		"task_id":    "task-2",
		"task_type":  "prediction",
	}))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	got := results[0]
	if got.Content["status"] != string(types.SubtaskFailed) {
		t.Errorf("status = %v, want failed", got.Content["status"])
	}
	if got.Content["error"] != errTest.Error() {
		t.Errorf("error = %v, want %q", got.Content["error"], errTest.Error())
	}
}
