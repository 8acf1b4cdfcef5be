package types

import (
	"fmt"
	"time"
)

// TaskStatus tracks a task through the distributor's state machine:
// queued -> distributed -> {completed | failed}. The queued -> queued
// self-loop is permitted only via the priority-demoting requeue path.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskDistributed TaskStatus = "distributed"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal task state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// SubtaskStatus tracks a single shard or replica on one device.
type SubtaskStatus string

const (
	SubtaskAssigned  SubtaskStatus = "assigned"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Terminal reports whether the status is a terminal subtask state.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// Task is a unit of distributable work. Mutated only by the distributor
// that owns it; lower Priority means higher precedence.
type Task struct {
	ID        string
	Type      string
	Priority  int
	Payload   any
	Resources ResourceSpec
	Status    TaskStatus

	// Requeues counts the priority-demoting no-capacity requeues this
	// task has been through. Bounded by the distributor's MaxRequeues.
	Requeues int

	// Subtasks is fixed at distribution time. No re-partitioning
	// happens mid-flight; only whole-task requeue on no capacity.
	Subtasks []*Subtask

	// FailReason is set on terminal failure (e.g. "no_capacity",
	// "all_subtasks_failed", "deadline_exceeded").
	FailReason string

	// Result holds the aggregated outcome once the task completes.
	Result any

	CreatedAt     time.Time
	UpdatedAt     time.Time
	DistributedAt time.Time
}

// Subtask is one shard (split mode) or replica (redundancy mode) of a
// task, owned exclusively by its parent.
type Subtask struct {
	ID       string
	Index    int
	DeviceID string
	Payload  any
	Status   SubtaskStatus
	Result   any
}

// SubtaskID derives the stable subtask identifier from the parent task
// ID and the subtask index.
func SubtaskID(taskID string, index int) string {
	return fmt.Sprintf("%s-%d", taskID, index)
}
