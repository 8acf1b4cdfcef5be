package types

import "testing"

func TestNewMessageStampsEnvelope(t *testing.T) {
	m := NewMessage("agent-1", "monitor", MessageStatusReport, map[string]any{"ok": true})
	if m.ID == "" {
		t.Error("expected generated message id")
	}
	if m.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if m.SenderID != "agent-1" || m.SenderType != "monitor" {
		t.Errorf("sender = %s/%s", m.SenderID, m.SenderType)
	}

	m2 := NewMessage("agent-1", "monitor", MessageStatusReport, nil)
	if m.ID == m2.ID {
		t.Error("message ids must be unique")
	}
}

func TestTopicHelpers(t *testing.T) {
	if got := AgentTopic("coordinator"); got != "agent.coordinator" {
		t.Errorf("AgentTopic = %s", got)
	}
	if got := DeviceTopic("dev-1"); got != "device.dev-1" {
		t.Errorf("DeviceTopic = %s", got)
	}
	if got := SubtaskID("task-1", 3); got != "task-1-3" {
		t.Errorf("SubtaskID = %s", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	for status, want := range map[TaskStatus]bool{
		TaskQueued:      false,
		TaskDistributed: false,
		TaskCompleted:   true,
		TaskFailed:      true,
	} {
		if status.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, !want, want)
		}
	}
	if SubtaskAssigned.Terminal() {
		t.Error("assigned subtask should not be terminal")
	}
	if !SubtaskCompleted.Terminal() || !SubtaskFailed.Terminal() {
		t.Error("completed/failed subtasks should be terminal")
	}
}

func TestResourceSpecMatches(t *testing.T) {
	device := &DeviceProfile{
		Kind:     DeviceDesktop,
		CPUCores: 8,
		MemoryMB: 16384,
		GPU:      false,
	}

	cases := []struct {
		name string
		spec ResourceSpec
		want bool
	}{
		{"zero spec matches anything", ResourceSpec{}, true},
		{"cpu satisfied", ResourceSpec{MinCPUCores: 8}, true},
		{"cpu too small", ResourceSpec{MinCPUCores: 16}, false},
		{"memory satisfied", ResourceSpec{MinMemoryMB: 8192}, true},
		{"memory too small", ResourceSpec{MinMemoryMB: 32768}, false},
		{"gpu required but missing", ResourceSpec{RequireGPU: true}, false},
		{"kind allowed", ResourceSpec{Kinds: []DeviceKind{DeviceDesktop, DeviceServer}}, true},
		{"kind excluded", ResourceSpec{Kinds: []DeviceKind{DeviceMobile}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.spec.Matches(device); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}
