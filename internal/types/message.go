// Package types provides shared type definitions used across stratus packages.
// This package exists to break import cycles between the bus, agent runtime,
// registry, and distributor. Types in this package should be foundational
// data structures with no complex dependencies.
package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags a message for handler dispatch. Handlers are registered
// per type at agent construction time; unknown types are dropped.
type MessageType string

const (
	// MessageExecuteTask carries a subtask assignment to a device topic.
	MessageExecuteTask MessageType = "execute_task"

	// MessageSubtaskResult carries a device's terminal subtask status back
	// to the distributor on TopicResults.
	MessageSubtaskResult MessageType = "subtask_result"

	// MessageTaskAssignment carries coordinator-to-agent work requests.
	MessageTaskAssignment MessageType = "task_assignment"

	// MessageTaskCompletion reports agent-local task completion.
	MessageTaskCompletion MessageType = "task_completion"

	// MessageStatusReport carries periodic component health summaries.
	MessageStatusReport MessageType = "status_report"

	// MessageAnomalyAlert flags anomalous readings for the monitor agents.
	MessageAnomalyAlert MessageType = "anomaly_alert"
)

// Message is the bus envelope. Created by the publishing agent, immutable
// once published; subscribers must treat it as read-only.
type Message struct {
	ID         string
	SenderID   string
	SenderType string
	Type       MessageType
	Timestamp  time.Time
	Content    map[string]any
}

// NewMessage builds a message envelope stamped with the sender identity
// and the current time.
func NewMessage(senderID, senderType string, mt MessageType, content map[string]any) Message {
	return Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderType: senderType,
		Type:       mt,
		Timestamp:  time.Now(),
		Content:    content,
	}
}

// TopicResults is the distributor-owned topic on which devices report
// subtask results.
const TopicResults = "distributor.results"

// AgentTopic returns the conventional topic for an agent type.
func AgentTopic(agentType string) string {
	return "agent." + agentType
}

// DeviceTopic returns the addressed topic for a single device.
func DeviceTopic(deviceID string) string {
	return "device." + deviceID
}
