package hub

import (
	"slices"
	"time"
)

// HealthStatus indicates the last observed health of a spoke instance.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ToolStats aggregates invocation outcomes for one tool on one instance.
// AvgLatencyMS is a running average over all completed invocations.
type ToolStats struct {
	Invocations  int64   `json:"invocations"`
	Successes    int64   `json:"successes"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// ToolDescriptor is one capability a spoke instance declares.
type ToolDescriptor struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	RetryAttempts  int            `json:"retry_attempts,omitempty"`
	Stats          ToolStats      `json:"stats"`
}

// SpokeInstance is the catalog record for one running spoke process.
type SpokeInstance struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name,omitempty"`
	Address      string                    `json:"address"`
	Weight       int                       `json:"weight"`
	CurrentLoad  int                       `json:"current_load"`
	Health       HealthStatus              `json:"health"`
	FailureCount int                       `json:"failure_count,omitempty"`
	HealthCheck  string                    `json:"health_check,omitempty"`
	TTLSeconds   int                       `json:"ttl_seconds"`
	Active       bool                      `json:"active"`
	RegisteredAt time.Time                 `json:"registered_at"`
	LastSeen     time.Time                 `json:"last_seen"`
	Tools        map[string]ToolDescriptor `json:"tools,omitempty"`
}

// ToolNames returns declared tool identifiers in deterministic order.
func (s SpokeInstance) ToolNames() []string {
	names := make([]string, 0, len(s.Tools))
	for name := range s.Tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TTL returns the instance liveness window as a duration.
func (s SpokeInstance) TTL() time.Duration {
	if s.TTLSeconds <= 0 {
		return time.Duration(DefaultTTLSeconds) * time.Second
	}
	return time.Duration(s.TTLSeconds) * time.Second
}

// Tool returns the descriptor for one declared tool.
func (s SpokeInstance) Tool(id string) (ToolDescriptor, bool) {
	desc, ok := s.Tools[id]
	return desc, ok
}

func cloneInstance(inst SpokeInstance) SpokeInstance {
	out := inst
	out.Tools = cloneTools(inst.Tools)
	return out
}

func cloneTools(tools map[string]ToolDescriptor) map[string]ToolDescriptor {
	if tools == nil {
		return nil
	}
	out := make(map[string]ToolDescriptor, len(tools))
	for id, desc := range tools {
		clean := desc
		clean.InputSchema = cloneAnyMap(desc.InputSchema)
		clean.OutputSchema = cloneAnyMap(desc.OutputSchema)
		out[id] = clean
	}
	return out
}

func cloneAnyMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
