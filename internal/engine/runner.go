package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

// RunResult is the outcome of one workflow run: either a projected output
// with the full execution log, or a structured error with the partial log.
type RunResult struct {
	RunID       string               `json:"run_id"`
	Workflow    string               `json:"workflow"`
	Status      schema.RunStatus     `json:"status"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Log         []*schema.StepRecord `json:"log"`
	Error       *schema.LoomError    `json:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
}

// Ok reports whether the run succeeded.
func (r *RunResult) Ok() bool {
	return r.Status == schema.RunStatusSucceeded
}

// Runner is the entry point: validates the workflow input, traverses the
// composition tree, projects the output, and persists the run through the
// Store boundary.
type Runner struct {
	validator validation.Validator
	traverser *Traverser
	runFSM    *RunFSM
	store     store.Store
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(validator validation.Validator, traverser *Traverser, runFSM *RunFSM, st store.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		validator: validator,
		traverser: traverser,
		runFSM:    runFSM,
		store:     st,
		logger:    logger,
	}
}

// Execute runs a workflow definition against the given input. The returned
// RunResult is always populated; the error return is reserved for store
// failures that prevent the run from being recorded at all.
func (r *Runner) Execute(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*RunResult, error) {
	runID := uuid.NewString()
	ctx = logging.WithWorkflow(logging.WithRunID(ctx, runID), def.Name)

	result := &RunResult{
		RunID:     runID,
		Workflow:  def.Name,
		Status:    schema.RunStatusPending,
		StartedAt: time.Now().UTC(),
	}

	// Definition and input validation happen before any step is attempted: a
	// ValidationError here means zero steps ran and the log is empty.
	if err := r.validator.ValidateDefinition(def); err != nil {
		return r.rejectRun(ctx, result, input, toLoomError(err))
	}
	if err := r.validator.ValidateInput(input, def.InputSchema); err != nil {
		return r.rejectRun(ctx, result, input, toLoomError(err))
	}

	run := &store.Run{
		ID:       runID,
		Workflow: def.Name,
		Status:   schema.RunStatusPending,
		Input:    input,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, toLoomError(err)
	}

	if err := r.runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, toLoomError(err)
	}
	result.Status = schema.RunStatusRunning
	running := schema.RunStatusRunning
	_ = r.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &running, StartedAt: &result.StartedAt})

	r.logger.InfoContext(ctx, "run started")

	scope := expressions.NewScopeBuilder(input, map[string]any{
		"run_id":     runID,
		"workflow":   def.Name,
		"started_at": result.StartedAt.Format(time.RFC3339Nano),
	})
	log := NewExecutionLog()

	traverseErr := r.traverser.ExecuteNode(ctx, runID, def.Root, scope, log)
	result.Log = log.Records()
	result.CompletedAt = time.Now().UTC()

	if traverseErr != nil {
		return r.finalize(ctx, result, log, toLoomError(traverseErr)), nil
	}

	output, projErr := r.projectOutput(def, input, scope)
	if projErr != nil {
		return r.finalize(ctx, result, log, projErr), nil
	}
	result.Output = output

	return r.finalize(ctx, result, log, nil), nil
}

// projectOutput builds the run output from the final context. With no output
// schema the step-output map is returned verbatim; with one, the context is
// projected onto the schema's top-level properties and validated.
func (r *Runner) projectOutput(def *schema.WorkflowDefinition, input map[string]any, scope *expressions.ScopeBuilder) (json.RawMessage, *schema.LoomError) {
	outputs := scope.StepOutputs()

	if len(def.OutputSchema) == 0 {
		b, err := json.Marshal(outputs)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal output: %s", err.Error()).WithCause(err)
		}
		return b, nil
	}

	var schemaShape struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(def.OutputSchema, &schemaShape); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid output schema: %s", err.Error()).WithCause(err)
	}

	// The reserved input key is projectable alongside step outputs.
	context := make(map[string]any, len(outputs)+1)
	for k, v := range outputs {
		context[k] = v
	}
	context["input"] = input

	projected := make(map[string]any, len(schemaShape.Properties))
	for name := range schemaShape.Properties {
		if v, ok := context[name]; ok {
			projected[name] = v
		}
	}

	if err := r.validator.ValidateOutput(projected, def.OutputSchema); err != nil {
		return nil, toLoomError(err)
	}

	b, err := json.Marshal(projected)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal output: %s", err.Error()).WithCause(err)
	}
	return b, nil
}

// rejectRun finalizes a run that failed validation before any step was
// attempted. The run is still recorded for observability.
func (r *Runner) rejectRun(ctx context.Context, result *RunResult, input map[string]any, vErr *schema.LoomError) (*RunResult, error) {
	result.Status = schema.RunStatusFailed
	result.Error = vErr
	result.CompletedAt = time.Now().UTC()
	result.Log = []*schema.StepRecord{}

	errJSON, _ := json.Marshal(vErr)
	run := &store.Run{
		ID:       result.RunID,
		Workflow: result.Workflow,
		Status:   schema.RunStatusFailed,
		Input:    input,
		Error:    errJSON,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, toLoomError(err)
	}
	_ = r.runFSM.Transition(ctx, result.RunID, schema.RunStatusPending, schema.RunStatusFailed)

	r.logger.WarnContext(ctx, "run rejected", "code", vErr.Code, "error", vErr.Message)
	return result, nil
}

// finalize records the terminal state of a run that executed (fully or
// partially) and persists the execution log.
func (r *Runner) finalize(ctx context.Context, result *RunResult, log *ExecutionLog, runErr *schema.LoomError) *RunResult {
	update := store.RunUpdate{CompletedAt: &result.CompletedAt}

	if runErr != nil {
		result.Status = schema.RunStatusFailed
		if runErr.Code == schema.ErrCodeCancelled {
			result.Status = schema.RunStatusCancelled
		}
		result.Error = runErr
		errJSON, _ := json.Marshal(runErr)
		update.Error = errJSON
	} else {
		result.Status = schema.RunStatusSucceeded
		update.Output = result.Output
	}
	update.Status = &result.Status

	if err := r.runFSM.Transition(ctx, result.RunID, schema.RunStatusRunning, result.Status); err != nil {
		r.logger.ErrorContext(ctx, "run finalize transition failed", "error", err)
	}
	if err := r.store.UpdateRun(ctx, result.RunID, update); err != nil {
		r.logger.ErrorContext(ctx, "persist run result failed", "error", err)
	}
	if err := r.store.SaveStepRecords(ctx, result.RunID, result.Log); err != nil {
		r.logger.ErrorContext(ctx, "persist execution log failed", "error", err)
	}

	if runErr != nil {
		r.logger.ErrorContext(ctx, "run failed",
			"status", result.Status, "code", runErr.Code, "steps", len(result.Log), "error", runErr.Message)
	} else {
		r.logger.InfoContext(ctx, "run succeeded",
			"steps", len(result.Log), "duration", result.CompletedAt.Sub(result.StartedAt).String())
	}
	return result
}
