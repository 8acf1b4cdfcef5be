package main

import (
	"fmt"

	"stratus/internal/agent"
	"stratus/internal/types"
)

// simulatedProfile fabricates a device profile for fleet slot i, cycling
// through hardware shapes so matching and premium gating have something
// to bite on.
func simulatedProfile(i int) types.DeviceProfile {
	shapes := []struct {
		kind  types.DeviceKind
		cores int
		memMB int
		gpu   bool
		score float64
	}{
		{types.DeviceServer, 16, 65536, true, 90},
		{types.DeviceDesktop, 8, 32768, true, 75},
		{types.DeviceLaptop, 4, 16384, false, 60},
		{types.DeviceMobile, 4, 8192, false, 45},
	}
	s := shapes[i%len(shapes)]
	return types.DeviceProfile{
		ID:               fmt.Sprintf("sim-%s-%d", s.kind, i),
		Name:             fmt.Sprintf("Simulated %s %d", s.kind, i),
		Kind:             s.kind,
		OS:               "linux",
		CPUCores:         s.cores,
		MemoryMB:         s.memMB,
		GPU:              s.gpu,
		MaxAllocation:    0.5,
		PerformanceScore: s.score,
	}
}

// simulatedExecutor computes weather workloads locally: good enough to
// exercise partitioning, replication and consensus end to end.
func simulatedExecutor(profile types.DeviceProfile) agent.Executor {
	return func(taskType string, payload any) (any, error) {
		switch taskType {
		case "data_processing":
			return processReadings(payload)
		case "model_training":
			return map[string]any{"trained_on": countItems(payload), "device": profile.ID}, nil
		case "prediction":
			return predictWeather(profile), nil
		case "anomaly_detection":
			return detectAnomalies(payload)
		default:
			return nil, fmt.Errorf("unsupported task type %q", taskType)
		}
	}
}

// processReadings normalizes a chunk of raw readings. List in, list out,
// so shard results concatenate back into one series.
func processReadings(payload any) (any, error) {
	readings, ok := payload.([]any)
	if !ok {
		return nil, fmt.Errorf("data_processing expects a list payload")
	}
	out := make([]any, 0, len(readings))
	for _, r := range readings {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		temp, _ := toFloat(m["temperature"])
		hum, _ := toFloat(m["humidity"])
		out = append(out, map[string]any{
			"hour":       m["hour"],
			"temp_c":     temp,
			"humidity":   hum,
			"heat_index": temp + 0.05*hum,
		})
	}
	return out, nil
}

// predictWeather returns a per-device forecast map. Redundant replicas
// vote; numeric fields average, categorical fields go to plurality.
func predictWeather(profile types.DeviceProfile) map[string]any {
	condition := "clear"
	temp := 18.0
	if !profile.GPU {
		// Weaker devices run the coarse model.
		condition = "rain"
		temp = 17.0
	}
	return map[string]any{
		"condition":  condition,
		"temp_c":     temp,
		"confidence": profile.PerformanceScore / 100,
	}
}

func detectAnomalies(payload any) (any, error) {
	readings, ok := payload.([]any)
	if !ok {
		return nil, fmt.Errorf("anomaly_detection expects a list payload")
	}
	var anomalies []any
	for _, r := range readings {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if temp, ok := toFloat(m["temperature"]); ok && (temp < -30 || temp > 45) {
			anomalies = append(anomalies, m)
		}
	}
	return anomalies, nil
}

func countItems(payload any) int {
	if l, ok := payload.([]any); ok {
		return len(l)
	}
	return 1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
