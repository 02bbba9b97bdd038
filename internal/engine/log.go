package engine

import (
	"encoding/json"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// ExecutionLog is the ordered per-run collection of StepRecords. Appends from
// parallel branches interleave in completion order; within a sequence the
// order matches execution order. One record per step per run.
type ExecutionLog struct {
	mu      sync.Mutex
	records []*schema.StepRecord
	index   map[string]int // step ID -> position in records
}

// NewExecutionLog creates an empty log.
func NewExecutionLog() *ExecutionLog {
	return &ExecutionLog{
		index: make(map[string]int),
	}
}

// Append adds a step's record. A step is recorded exactly once per run; a
// second append for the same step ID is rejected.
func (l *ExecutionLog) Append(record *schema.StepRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[record.StepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q already recorded in execution log", record.StepID)
	}

	l.index[record.StepID] = len(l.records)
	l.records = append(l.records, record)
	return nil
}

// Get returns the record for a step, if present.
func (l *ExecutionLog) Get(stepID string) (*schema.StepRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[stepID]
	if !ok {
		return nil, false
	}
	return l.records[pos], true
}

// Has reports whether a step has been recorded.
func (l *ExecutionLog) Has(stepID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[stepID]
	return ok
}

// Records returns the records in append order. The slice is a copy; the
// records themselves are shared and must not be mutated after append.
func (l *ExecutionLog) Records() []*schema.StepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*schema.StepRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded steps.
func (l *ExecutionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Serialize renders the log as a JSON array in the documented record shape.
func (l *ExecutionLog) Serialize() (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(l.records)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "serialize execution log: %s", err.Error()).WithCause(err)
	}
	return b, nil
}
