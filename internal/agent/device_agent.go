package agent

import (
	"stratus/internal/bus"
	"stratus/internal/logging"
	"stratus/internal/types"
)

// Executor computes one subtask on behalf of a device. Agents are opaque
// task executors from the core's point of view; the executor decides
// what a task type means.
type Executor func(taskType string, payload any) (any, error)

// NewDeviceAgent wires an agent to its device.<id> topic. It executes
// incoming execute_task assignments with the given executor and reports
// a terminal subtask_result on the distributor's results topic. This is
// the in-process stand-in for a remote compute device.
func NewDeviceAgent(profile types.DeviceProfile, b *bus.Bus, exec Executor) *Agent {
	caps := Capabilities{
		Topics: []string{types.DeviceTopic(profile.ID)},
		Handlers: map[types.MessageType]Handler{
			types.MessageExecuteTask: func(a *Agent, msg types.Message) {
				executeSubtask(a, msg, exec)
			},
		},
	}
	return New(profile.ID, "device", b, caps)
}

func executeSubtask(a *Agent, msg types.Message, exec Executor) {
	subtaskID, _ := msg.Content["subtask_id"].(string)
	taskID, _ := msg.Content["task_id"].(string)
	taskType, _ := msg.Content["task_type"].(string)
	data := msg.Content["data"]

	if subtaskID == "" || taskID == "" {
		logging.AgentsWarn("device %s: execute_task missing ids, dropping %s", a.ID(), msg.ID)
		return
	}

	localID := a.CreateTask(taskType, data)
	a.UpdateTaskStatus(localID, types.TaskDistributed)

	result, err := exec(taskType, data)

	content := map[string]any{
		"subtask_id": subtaskID,
		"task_id":    taskID,
	}
	if err != nil {
		content["status"] = string(types.SubtaskFailed)
		content["error"] = err.Error()
		a.UpdateTaskStatus(localID, types.TaskFailed)
		logging.AgentsDebug("device %s: subtask %s failed: %v", a.ID(), subtaskID, err)
	} else {
		content["status"] = string(types.SubtaskCompleted)
		content["result"] = result
		a.UpdateTaskStatus(localID, types.TaskCompleted)
		logging.AgentsDebug("device %s: subtask %s completed", a.ID(), subtaskID)
	}

	a.Publish(types.TopicResults, types.MessageSubtaskResult, content)
}
