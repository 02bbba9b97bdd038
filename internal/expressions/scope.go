package expressions

import (
	"encoding/json"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// ScopeBuilder is the per-run execution context: an append-only store of
// completed step outputs plus the original workflow input. It enforces:
//   - Step outputs are immutable after completion (frozen on insert).
//   - Append-only: a step ID can be written at most once per run.
//   - Parallel branches work on an isolated snapshot (Fork) and are merged
//     back only after every sibling has terminated.
type ScopeBuilder struct {
	mu    sync.RWMutex
	steps map[string]any // step ID -> frozen output (deep-copied on insert)
	input map[string]any // original workflow input (immutable after init)
	run   map[string]any // run metadata: run_id, workflow (immutable after init)
}

// Scope is an immutable snapshot of the execution context, safe for
// concurrent reads during expression evaluation and param resolution.
type Scope struct {
	Steps map[string]any
	Input map[string]any
	Run   map[string]any
}

// NewScopeBuilder creates a ScopeBuilder seeded with the workflow input and
// run metadata. Both are deep-copied to prevent external mutation.
func NewScopeBuilder(input, run map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps: make(map[string]any),
		input: deepCopyMap(input),
		run:   deepCopyMap(run),
	}
}

// AddStepOutput registers a completed step's output. The output is frozen
// (deep-copied) at the time of insertion. A second write to the same stepID
// is rejected: step outputs are immutable once written.
func (sb *ScopeBuilder) AddStepOutput(stepID string, output json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already written; outputs are immutable once recorded", stepID)
	}

	if len(output) == 0 {
		sb.steps[stepID] = nil
		return nil
	}

	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot parse step %q output: %s", stepID, err.Error())
	}

	sb.steps[stepID] = deepCopyAny(parsed)
	return nil
}

// Has reports whether a step's output has been written.
func (sb *ScopeBuilder) Has(stepID string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.steps[stepID]
	return ok
}

// Build creates a Scope snapshot. The returned scope is safe for concurrent
// use: the step map is copied, the input/run maps are frozen at init.
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &Scope{
		Steps: deepCopyMap(sb.steps),
		Input: sb.input,
		Run:   sb.run,
	}
}

// Fork returns a child ScopeBuilder for a parallel branch. The child gets a
// snapshot of current step outputs in its own isolated map: branch-local
// completions do NOT leak to siblings.
func (sb *ScopeBuilder) Fork() *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps: deepCopyMap(sb.steps),
		input: sb.input,
		run:   sb.run,
	}
}

// Merge folds a forked branch's step outputs back into the parent.
// A key that already exists in the parent with a different origin is a
// conflict; validation rejects such compositions, so hitting it at run time
// indicates a definition that bypassed validation.
func (sb *ScopeBuilder) Merge(branch *ScopeBuilder) error {
	branch.mu.RLock()
	branchSteps := branch.steps
	branch.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for stepID, output := range branchSteps {
		if _, exists := sb.steps[stepID]; exists {
			continue // present in the pre-fork snapshot
		}
		sb.steps[stepID] = deepCopyAny(output)
	}
	return nil
}

// NewKeys returns the step IDs present in the branch but not in the parent,
// i.e. the outputs a Merge would add.
func (sb *ScopeBuilder) NewKeys(branch *ScopeBuilder) []string {
	branch.mu.RLock()
	defer branch.mu.RUnlock()
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	var keys []string
	for stepID := range branch.steps {
		if _, exists := sb.steps[stepID]; !exists {
			keys = append(keys, stepID)
		}
	}
	return keys
}

// StepOutputs returns a read-only copy of the current step outputs.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.steps)
}

// Data flattens the scope into the map shape the expression engines expect:
// top-level "steps", "input", and "run" namespaces.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		"steps": orEmpty(s.Steps),
		"input": orEmpty(s.Input),
		"run":   orEmpty(s.Run),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
