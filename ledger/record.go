// Package ledger keeps the append-only record of tool invocations routed
// through the hub: one record per dispatch attempt chain, created RUNNING
// and finalized exactly once with a terminal outcome.
package ledger

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// Record is one invocation's audit entry. A record is appended in the
// RUNNING state and finalized once; terminal records never change again.
type Record struct {
	ID           string          `json:"id"`
	RequestID    string          `json:"request_id,omitempty"`
	ToolName     string          `json:"tool_name"`
	InstanceID   string          `json:"instance_id"`
	Arguments    map[string]any  `json:"arguments,omitempty"`
	Status       Status          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitzero"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
}

// Outcome is the terminal result applied by Finalize.
type Outcome struct {
	Status       Status
	InstanceID   string
	Output       json.RawMessage
	ErrorCode    string
	ErrorMessage string
	Attempts     int
	FinishedAt   time.Time
}

func cloneRecord(r Record) Record {
	out := r
	if r.Arguments != nil {
		out.Arguments = make(map[string]any, len(r.Arguments))
		for k, v := range r.Arguments {
			out.Arguments[k] = v
		}
	}
	if r.Output != nil {
		out.Output = append(json.RawMessage(nil), r.Output...)
	}
	return out
}
