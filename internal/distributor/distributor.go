// Package distributor implements the priority task distributor: it
// matches queued tasks against available devices, partitions or
// replicates payloads into subtasks, fans them out over the bus, and
// folds returning subtask results into a single aggregated outcome.
package distributor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stratus/internal/bus"
	"stratus/internal/logging"
	"stratus/internal/metrics"
	"stratus/internal/registry"
	"stratus/internal/types"
)

// Callback observes a task's terminal snapshot. Invoked exactly once per
// task, outside the distributor lock; panics are isolated.
type Callback func(task types.Task)

// ContributionRecorder receives per-subtask accounting. The device
// registry satisfies this; may be nil.
type ContributionRecorder interface {
	RecordContribution(deviceID string, elapsed time.Duration, ok bool)
}

// TaskRequest describes one task submission.
type TaskRequest struct {
	Type      string
	Payload   any
	Priority  int
	Resources types.ResourceSpec
	Callback  Callback
}

// Options wires and tunes the distributor. Finder and Bus are required.
type Options struct {
	Finder    registry.Finder
	Bus       *bus.Bus
	Collector *metrics.Collector

	// Contributions may be nil; usually the device registry.
	Contributions ContributionRecorder

	// PollInterval bounds the distribution loop's idle sleep. Default 1s.
	PollInterval time.Duration

	// MaxRequeues caps priority-demoting requeues before a task fails
	// terminally with reason no_capacity. Default 5.
	MaxRequeues int

	// RequeueBackoff is the base delay before a demoted task re-enters
	// the queue; it doubles per requeue, capped at 8x. Default 500ms.
	RequeueBackoff time.Duration

	// TaskTimeout fails distributed tasks whose results never fully
	// arrive. Zero disables the deadline sweep.
	TaskTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for the loop. Default 5s.
	DrainTimeout time.Duration
}

type taskEntry struct {
	task     *types.Task
	callback Callback
}

// Distributor owns the global task table. All task and subtask mutation
// happens under one mutex; terminal transitions are checked and applied
// in the same critical section so finalization is exactly-once.
type Distributor struct {
	finder        registry.Finder
	bus           *bus.Bus
	collector     *metrics.Collector
	contributions ContributionRecorder

	pollInterval   time.Duration
	maxRequeues    int
	requeueBackoff time.Duration
	taskTimeout    time.Duration
	drainTimeout   time.Duration

	mu    sync.Mutex
	tasks map[string]*taskEntry
	queue *taskQueue

	wake    chan struct{}
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	sub     bus.Subscription
}

// New creates a stopped distributor.
func New(opts Options) (*Distributor, error) {
	if opts.Finder == nil {
		return nil, fmt.Errorf("distributor: finder required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("distributor: bus required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxRequeues <= 0 {
		opts.MaxRequeues = 5
	}
	if opts.RequeueBackoff <= 0 {
		opts.RequeueBackoff = 500 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	return &Distributor{
		finder:         opts.Finder,
		bus:            opts.Bus,
		collector:      opts.Collector,
		contributions:  opts.Contributions,
		pollInterval:   opts.PollInterval,
		maxRequeues:    opts.MaxRequeues,
		requeueBackoff: opts.RequeueBackoff,
		taskTimeout:    opts.TaskTimeout,
		drainTimeout:   opts.DrainTimeout,
		tasks:          make(map[string]*taskEntry),
		queue:          newTaskQueue(),
		wake:           make(chan struct{}, 1),
	}, nil
}

// Start subscribes to the results topic and launches the distribution
// loop. Idempotent if already running.
func (d *Distributor) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	if d.doneCh != nil {
		// A previous loop may still be finishing past the stop timeout.
		<-d.doneCh
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.sub = d.bus.Subscribe(types.TopicResults, d.onResultMessage)
	d.collector.SetDistributorLoopAlive(true)
	logging.Distributor("distribution loop starting (poll=%v, maxRequeues=%d)", d.pollInterval, d.maxRequeues)
	go d.loop()
}

// Stop halts the loop and unsubscribes from results. In-flight tasks
// stay in the table; nothing further is distributed or finalized.
func (d *Distributor) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)
	select {
	case <-d.doneCh:
		logging.Distributor("distribution loop stopped")
	case <-time.After(d.drainTimeout):
		logging.DistributorWarn("distribution loop did not stop within %v", d.drainTimeout)
	}
	d.bus.Unsubscribe(d.sub)
	d.collector.SetDistributorLoopAlive(false)
}

// SubmitTask validates and enqueues a task, returning its id. The task
// starts queued and is picked up by the distribution loop.
func (d *Distributor) SubmitTask(req TaskRequest) (string, error) {
	if req.Type == "" {
		return "", fmt.Errorf("task type required")
	}
	if req.Priority < 0 {
		return "", fmt.Errorf("priority must be >= 0, got %d", req.Priority)
	}
	if req.Payload == nil {
		return "", fmt.Errorf("task payload required")
	}

	now := time.Now()
	task := &types.Task{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Priority:  req.Priority,
		Payload:   req.Payload,
		Resources: req.Resources,
		Status:    types.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	d.mu.Lock()
	d.tasks[task.ID] = &taskEntry{task: task, callback: req.Callback}
	d.queue.push(task.ID, task.Priority)
	d.publishGauges()
	d.mu.Unlock()

	d.collector.TaskSubmitted()
	logging.Distributor("task %s submitted (type=%s, priority=%d)", task.ID, task.Type, task.Priority)
	d.nudge()
	return task.ID, nil
}

// Task returns a snapshot of an active task. Finalized tasks are evicted
// from the table; observe them through the submission callback.
func (d *Distributor) Task(id string) (types.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return snapshotTask(e.task), true
}

// QueueLen reports the number of tasks waiting for distribution.
func (d *Distributor) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

// ActiveTasks reports the number of non-terminal tasks in the table.
func (d *Distributor) ActiveTasks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func (d *Distributor) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Distributor) loop() {
	defer close(d.doneCh)
	// The sweep rides its own ticker so overdue tasks are caught even
	// when the queue never runs dry.
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepDeadlines()
		default:
		}

		if d.distributeOnce() {
			continue
		}

		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-ticker.C:
			d.sweepDeadlines()
		}
	}
}

// distributeOnce pops and distributes at most one task. Returns false
// when the queue is empty.
func (d *Distributor) distributeOnce() bool {
	d.mu.Lock()
	item, ok := d.queue.pop()
	if !ok {
		d.mu.Unlock()
		return false
	}
	e, live := d.tasks[item.taskID]
	if !live || e.task.Status != types.TaskQueued {
		// Stale heap entry from a demoted requeue or a finalized task.
		d.publishGauges()
		d.mu.Unlock()
		return true
	}
	task := e.task

	devices := d.finder.FindAvailableDevices(task.Resources, task.Priority)
	if len(devices) == 0 {
		d.handleNoCapacityLocked(e)
		return true
	}

	d.assignLocked(task, devices)
	d.publishGauges()
	assignments := buildAssignments(task)
	d.mu.Unlock()

	for _, a := range assignments {
		d.bus.Publish(types.DeviceTopic(a.deviceID), a.msg)
	}
	logging.Distributor("task %s distributed to %d device(s)", task.ID, len(assignments))
	return true
}

// handleNoCapacityLocked requeues the task with demoted priority, or
// fails it terminally once the requeue cap is exhausted. Called with
// the lock held; releases it.
func (d *Distributor) handleNoCapacityLocked(e *taskEntry) {
	task := e.task
	if task.Requeues >= d.maxRequeues {
		d.finalizeLocked(e, types.TaskFailed, "no_capacity", nil)
		return
	}

	task.Requeues++
	task.Priority++
	task.UpdatedAt = time.Now()
	d.collector.TaskRequeued()

	shift := task.Requeues - 1
	if shift > 3 {
		shift = 3
	}
	delay := d.requeueBackoff << shift
	logging.DistributorWarn("task %s: no matching devices, requeue %d/%d (priority now %d, retry in %v)",
		task.ID, task.Requeues, d.maxRequeues, task.Priority, delay)

	id, priority := task.ID, task.Priority
	d.publishGauges()
	d.mu.Unlock()

	time.AfterFunc(delay, func() {
		d.mu.Lock()
		if e, ok := d.tasks[id]; ok && e.task.Status == types.TaskQueued {
			d.queue.push(id, priority)
			d.publishGauges()
		}
		d.mu.Unlock()
		d.nudge()
	})
}

// assignLocked partitions the payload across the matched devices and
// marks the task distributed. Caller holds the lock.
func (d *Distributor) assignLocked(task *types.Task, devices []string) {
	chunks := partitionPayload(task.Payload, len(devices))
	task.Subtasks = make([]*types.Subtask, len(chunks))
	for i, chunk := range chunks {
		task.Subtasks[i] = &types.Subtask{
			ID:       types.SubtaskID(task.ID, i),
			Index:    i,
			DeviceID: devices[i],
			Payload:  chunk,
			Status:   types.SubtaskAssigned,
		}
	}
	now := time.Now()
	task.Status = types.TaskDistributed
	task.DistributedAt = now
	task.UpdatedAt = now
}

type assignment struct {
	deviceID string
	msg      types.Message
}

func buildAssignments(task *types.Task) []assignment {
	out := make([]assignment, 0, len(task.Subtasks))
	for _, st := range task.Subtasks {
		msg := types.NewMessage("distributor", "distributor", types.MessageExecuteTask, map[string]any{
			"subtask_id": st.ID,
			"task_id":    task.ID,
			"task_type":  task.Type,
			"data":       st.Payload,
		})
		out = append(out, assignment{deviceID: st.DeviceID, msg: msg})
	}
	return out
}

// partitionPayload splits a list payload into contiguous chunks whose
// sizes differ by at most one, at most one chunk per device. Non-list
// payloads (and single-device matches) are replicated whole to every
// device for redundancy.
func partitionPayload(payload any, devices int) []any {
	list, ok := payload.([]any)
	if !ok || devices <= 1 || len(list) == 0 {
		chunks := make([]any, devices)
		for i := range chunks {
			chunks[i] = payload
		}
		return chunks
	}

	n := devices
	if len(list) < n {
		n = len(list)
	}
	chunks := make([]any, 0, n)
	base := len(list) / n
	rem := len(list) % n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		chunks = append(chunks, append([]any(nil), list[start:start+size]...))
		start += size
	}
	return chunks
}

// onResultMessage is the bus subscriber for the results topic.
func (d *Distributor) onResultMessage(msg types.Message) {
	if msg.Type != types.MessageSubtaskResult {
		return
	}
	subtaskID, _ := msg.Content["subtask_id"].(string)
	taskID, _ := msg.Content["task_id"].(string)
	status, _ := msg.Content["status"].(string)
	if subtaskID == "" || taskID == "" || (status != string(types.SubtaskCompleted) && status != string(types.SubtaskFailed)) {
		d.collector.SubtaskResult("malformed")
		logging.ResultsWarn("malformed subtask result %s, dropping", msg.ID)
		return
	}
	d.HandleSubtaskResult(taskID, subtaskID, types.SubtaskStatus(status), msg.Content["result"], msg.SenderID)
}

// HandleSubtaskResult records one device's terminal subtask status.
// Unknown tasks or subtasks and duplicate reports are dropped. When the
// last outstanding subtask lands, the task finalizes in the same
// critical section: any completed subtask makes the task completed with
// an aggregated result; all failed makes it failed.
func (d *Distributor) HandleSubtaskResult(taskID, subtaskID string, status types.SubtaskStatus, result any, deviceID string) {
	d.mu.Lock()

	e, ok := d.tasks[taskID]
	if !ok || e.task.Status != types.TaskDistributed {
		d.mu.Unlock()
		d.collector.SubtaskResult("unknown")
		logging.ResultsWarn("result for unknown or inactive task %s, dropping", taskID)
		return
	}
	task := e.task

	var st *types.Subtask
	for _, s := range task.Subtasks {
		if s.ID == subtaskID {
			st = s
			break
		}
	}
	if st == nil {
		d.mu.Unlock()
		d.collector.SubtaskResult("unknown")
		logging.ResultsWarn("task %s: result for unknown subtask %s, dropping", taskID, subtaskID)
		return
	}
	if st.Status.Terminal() {
		d.mu.Unlock()
		d.collector.SubtaskResult("duplicate")
		logging.ResultsDebug("task %s: duplicate result for subtask %s, dropping", taskID, subtaskID)
		return
	}

	st.Status = status
	st.Result = result
	task.UpdatedAt = time.Now()
	elapsed := time.Since(task.DistributedAt)
	d.collector.SubtaskResult("recorded")
	logging.Results("task %s: subtask %s %s on device %s", taskID, subtaskID, status, st.DeviceID)

	if deviceID != "" && d.contributions != nil {
		d.contributions.RecordContribution(deviceID, elapsed, status == types.SubtaskCompleted)
	}

	for _, s := range task.Subtasks {
		if !s.Status.Terminal() {
			d.mu.Unlock()
			return
		}
	}

	anyCompleted := false
	for _, s := range task.Subtasks {
		if s.Status == types.SubtaskCompleted {
			anyCompleted = true
			break
		}
	}
	if anyCompleted {
		timer := logging.StartTimer(logging.CategoryResults, "aggregate "+task.ID)
		result := aggregateResults(task.Subtasks)
		timer.Stop()
		d.finalizeLocked(e, types.TaskCompleted, "", result)
	} else {
		d.finalizeLocked(e, types.TaskFailed, "all_subtasks_failed", nil)
	}
}

// finalizeLocked applies the terminal transition, evicts the task from
// the active table, and runs the submission callback outside the lock.
// Called with the lock held; releases it. The terminal check done by
// every caller in the same critical section guarantees exactly-once.
func (d *Distributor) finalizeLocked(e *taskEntry, status types.TaskStatus, reason string, result any) {
	task := e.task
	task.Status = status
	task.FailReason = reason
	task.Result = result
	task.UpdatedAt = time.Now()
	delete(d.tasks, task.ID)
	snapshot := snapshotTask(task)
	d.publishGauges()
	d.mu.Unlock()

	d.collector.TaskFinalized(string(status))
	if status == types.TaskCompleted {
		logging.Results("task %s completed (%d subtasks)", task.ID, len(task.Subtasks))
	} else {
		logging.ResultsWarn("task %s failed: %s", task.ID, reason)
	}

	if e.callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.ResultsError("task %s: completion callback panicked: %v", task.ID, r)
				}
			}()
			e.callback(snapshot)
		}()
	}
}

// sweepDeadlines fails distributed tasks whose deadline passed. No-op
// when TaskTimeout is zero.
func (d *Distributor) sweepDeadlines() {
	if d.taskTimeout <= 0 {
		return
	}
	now := time.Now()
	for {
		d.mu.Lock()
		var expired *taskEntry
		for _, e := range d.tasks {
			if e.task.Status == types.TaskDistributed && now.Sub(e.task.DistributedAt) > d.taskTimeout {
				expired = e
				break
			}
		}
		if expired == nil {
			d.mu.Unlock()
			return
		}
		logging.DistributorWarn("task %s exceeded deadline %v", expired.task.ID, d.taskTimeout)
		d.finalizeLocked(expired, types.TaskFailed, "deadline_exceeded", nil)
	}
}

// publishGauges pushes queue and table depth. Caller holds the lock.
func (d *Distributor) publishGauges() {
	d.collector.SetDistributorQueueDepth(d.queue.len())
	d.collector.SetActiveTasks(len(d.tasks))
}

func snapshotTask(t *types.Task) types.Task {
	cp := *t
	cp.Subtasks = make([]*types.Subtask, len(t.Subtasks))
	for i, s := range t.Subtasks {
		sc := *s
		cp.Subtasks[i] = &sc
	}
	return cp
}
