package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format: a named
// composition tree plus optional input/output JSON Schemas. Definitions are
// built once and never mutated; every run interprets the same tree.
type WorkflowDefinition struct {
	Name         string          `json:"name"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Root         *NodeDefinition `json:"root"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// NodeKind enumerates the composition node variants.
type NodeKind string

const (
	NodeSequence NodeKind = "sequence"
	NodeParallel NodeKind = "parallel"
	NodeBranch   NodeKind = "branch"
	NodeStep     NodeKind = "step"
)

// NodeDefinition is one node of the composition tree. Exactly one of the
// variant fields is populated, selected by Kind:
//   - sequence/parallel use Children
//   - branch uses Branch
//   - step uses Step
type NodeDefinition struct {
	Kind     NodeKind         `json:"kind"`
	Children []NodeDefinition `json:"children,omitempty"`
	Branch   *BranchConfig    `json:"branch,omitempty"`
	Step     *StepDefinition  `json:"step,omitempty"`
}

// BranchConfig selects exactly one child per run: the condition is evaluated
// against the run scope, its result is normalized to a string, and the first
// case whose Match equals that string executes. With no match, Default
// executes; with no Default either, the branch fails.
type BranchConfig struct {
	Condition string          `json:"condition"`
	Engine    string          `json:"engine,omitempty"` // cel | expr | jq (default: cel)
	Cases     []BranchCase    `json:"cases"`
	Default   *NodeDefinition `json:"default,omitempty"`
}

// BranchCase pairs a match value with the node to execute.
type BranchCase struct {
	Match string         `json:"match"`
	Node  NodeDefinition `json:"node"`
}

// StepDefinition describes a single leaf step in a workflow.
type StepDefinition struct {
	ID        string          `json:"id"`
	Handler   string          `json:"handler"`              // registered handler name
	Params    json.RawMessage `json:"params,omitempty"`     // literals and ${{...}} references
	Timeout   string          `json:"timeout,omitempty"`    // per-attempt timeout (e.g. "30s")
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Fallback  string          `json:"fallback,omitempty"`   // registered fallback name
	DependsOn []string        `json:"depends_on,omitempty"` // step IDs gating execution
	StoreIO   *bool           `json:"store_io,omitempty"`   // default true
}

// RecordsIO reports whether the step's resolved input and output are
// captured in the execution log. Status and timing are always recorded.
func (s *StepDefinition) RecordsIO() bool {
	return s.StoreIO == nil || *s.StoreIO
}

// RetryPolicy configures retry behavior for a step.
// Retries is the number of re-attempts after the initial invocation, so a
// step with Retries=2 invokes its handler at most 3 times.
type RetryPolicy struct {
	Retries  int    `json:"retries"`
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential (default: constant)
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a step within one run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status is a terminal step state.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}
