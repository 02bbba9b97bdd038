package schema

import (
	"encoding/json"
	"time"
)

// StepRecord is one entry of the execution log: the outcome and timing of a
// single step. Input and Output are omitted when the step declares
// store_io=false. AttemptCount counts handler invocations only; fallback
// invocations are not attempts.
type StepRecord struct {
	StepID       string          `json:"step_id"`
	Status       StepStatus      `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	AttemptCount int             `json:"attempt_count"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *LoomError      `json:"error,omitempty"`
}

// Duration returns the wall-clock time the step spent between start and end,
// including retry backoff waits.
func (r *StepRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}
