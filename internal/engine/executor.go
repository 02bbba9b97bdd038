package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/handlers"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// StepExecutor drives a single leaf step through its lifecycle: dependency
// gate, param resolution, handler invocation under the per-attempt timeout,
// retry with backoff, and fallback recovery. Exactly one StepRecord is
// appended per step; on success the output is written to the scope under the
// step's ID.
type StepExecutor struct {
	registry *handlers.Registry
	interp   *expressions.Interpolator
	fsm      *StepFSM
	appender EventAppender
	logger   *slog.Logger
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(registry *handlers.Registry, fsm *StepFSM, appender EventAppender, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		registry: registry,
		interp:   expressions.NewInterpolator(),
		fsm:      fsm,
		appender: appender,
		logger:   logger,
	}
}

// ExecuteStep runs one step to a terminal state. A non-nil return means the
// step finished failed (after retries and fallback) and the enclosing node
// must stop; fallback-continue yields a nil return.
func (e *StepExecutor) ExecuteStep(ctx context.Context, runID string, def *schema.StepDefinition, scope *expressions.ScopeBuilder, log *ExecutionLog) error {
	ctx = logging.WithStepID(ctx, def.ID)

	record := &schema.StepRecord{
		StepID:    def.ID,
		Status:    schema.StepStatusPending,
		StartTime: time.Now().UTC(),
	}

	// Dependency gate: every declared dependency must have a recorded output.
	// Checked before param resolution and never retried.
	for _, dep := range def.DependsOn {
		if !scope.Has(dep) {
			depErr := schema.NewErrorf(schema.ErrCodeDependencyUnmet,
				"dependency %q has no recorded output", dep).WithStep(def.ID)
			return e.finishFailure(ctx, runID, def, scope, log, record, depErr)
		}
	}

	resolved, err := e.interp.Resolve(def.Params, scope.Build())
	if err != nil {
		return e.finishFailure(ctx, runID, def, scope, log, record, toLoomError(err).WithStep(def.ID))
	}
	if def.RecordsIO() {
		record.Input = resolved
	}

	handler, err := e.registry.Get(def.Handler)
	if err != nil {
		return e.finishFailure(ctx, runID, def, scope, log, record, toLoomError(err).WithStep(def.ID))
	}

	var params map[string]any
	if len(resolved) > 0 {
		if uerr := json.Unmarshal(resolved, &params); uerr != nil {
			perr := schema.NewErrorf(schema.ErrCodeParamResolution,
				"resolved params are not a JSON object: %s", uerr.Error()).WithStep(def.ID).WithCause(uerr)
			return e.finishFailure(ctx, runID, def, scope, log, record, perr)
		}
	}

	var timeout time.Duration
	if def.Timeout != "" {
		timeout, err = time.ParseDuration(def.Timeout)
		if err != nil {
			terr := schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timeout %q: %s", def.Timeout, err.Error()).WithStep(def.ID)
			return e.finishFailure(ctx, runID, def, scope, log, record, terr)
		}
	}

	input := handlers.Input{
		Params: params,
		Scope:  scope.Build().Data(),
	}

	if err := e.fsm.Transition(ctx, runID, def.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return e.finishFailure(ctx, runID, def, scope, log, record, toLoomError(err).WithStep(def.ID))
	}
	record.Status = schema.StepStatusRunning

	retries := 0
	if def.Retry != nil {
		retries = def.Retry.Retries
	}

	var output json.RawMessage
	var execErr *schema.LoomError

	for attempt := 0; attempt <= retries; attempt++ {
		record.AttemptCount++
		output, execErr = e.invoke(ctx, handler, input, timeout)
		if execErr == nil {
			break
		}
		execErr = execErr.WithStep(def.ID)

		if attempt >= retries || !IsRetryableError(execErr) {
			break
		}

		delay := ComputeBackoff(def.Retry, attempt)
		e.logger.WarnContext(ctx, "step attempt failed, retrying",
			"attempt", record.AttemptCount, "delay", delay.String(), "error", execErr.Message)

		if err := e.fsm.Transition(ctx, runID, def.ID, schema.StepStatusRunning, schema.StepStatusRetrying); err != nil {
			execErr = toLoomError(err).WithStep(def.ID)
			break
		}
		record.Status = schema.StepStatusRetrying

		payload, _ := json.Marshal(map[string]any{
			"attempt": record.AttemptCount,
			"delay":   delay.String(),
			"error":   execErr.Message,
		})
		_ = e.appender.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			StepID:  def.ID,
			Type:    schema.EventStepRetryAttempt,
			Payload: payload,
		})

		if err := WaitForBackoff(ctx, delay); err != nil {
			execErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").
				WithStep(def.ID).WithCause(err)
			break
		}

		if err := e.fsm.Transition(ctx, runID, def.ID, schema.StepStatusRetrying, schema.StepStatusRunning); err != nil {
			execErr = toLoomError(err).WithStep(def.ID)
			break
		}
		record.Status = schema.StepStatusRunning
	}

	if execErr != nil {
		return e.finishFailure(ctx, runID, def, scope, log, record, execErr)
	}

	if err := scope.AddStepOutput(def.ID, output); err != nil {
		return e.finishFailure(ctx, runID, def, scope, log, record, toLoomError(err).WithStep(def.ID))
	}

	record.Status = schema.StepStatusSucceeded
	record.EndTime = time.Now().UTC()
	if def.RecordsIO() {
		record.Output = output
	}

	if err := e.fsm.Transition(ctx, runID, def.ID, schema.StepStatusRunning, schema.StepStatusSucceeded); err != nil {
		e.logger.ErrorContext(ctx, "step succeeded but transition failed", "error", err)
	}
	if err := log.Append(record); err != nil {
		return toLoomError(err).WithStep(def.ID)
	}
	return nil
}

// invoke runs one handler attempt under a fresh timeout context. The handler
// executes in its own goroutine; on timeout the attempt fails and the
// goroutine's eventual result is discarded.
func (e *StepExecutor) invoke(ctx context.Context, h handlers.Handler, input handlers.Input, timeout time.Duration) (json.RawMessage, *schema.LoomError) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type invocation struct {
		out *handlers.Output
		err error
	}
	resultCh := make(chan invocation, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- invocation{err: schema.NewErrorf(schema.ErrCodeHandler, "handler panicked: %v", r)}
			}
		}()
		out, err := h.Execute(attemptCtx, input)
		resultCh <- invocation{out: out, err: err}
	}()

	select {
	case inv := <-resultCh:
		if inv.err != nil {
			if ctx.Err() != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(inv.err)
			}
			return nil, toLoomError(inv.err)
		}
		if inv.out == nil {
			return nil, nil
		}
		return inv.out.Data, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "handler exceeded timeout %s", timeout)
	}
}

// finishFailure finalizes a failed step: consults the fallback if one is
// declared, appends the record, and returns the error the enclosing node
// should act on (nil for fallback-continue).
func (e *StepExecutor) finishFailure(ctx context.Context, runID string, def *schema.StepDefinition, scope *expressions.ScopeBuilder, log *ExecutionLog, record *schema.StepRecord, stepErr *schema.LoomError) error {
	if def.Fallback != "" && stepErr.Code != schema.ErrCodeCancelled {
		return e.runFallback(ctx, runID, def, scope, log, record, stepErr)
	}
	return e.failStep(ctx, runID, def.ID, log, record, stepErr)
}

func (e *StepExecutor) runFallback(ctx context.Context, runID string, def *schema.StepDefinition, scope *expressions.ScopeBuilder, log *ExecutionLog, record *schema.StepRecord, stepErr *schema.LoomError) error {
	fb, err := e.registry.GetFallback(def.Fallback)
	if err != nil {
		fbErr := schema.NewErrorf(schema.ErrCodeFallback,
			"fallback %q not available: %s", def.Fallback, err.Error()).WithStep(def.ID).WithCause(err)
		return e.failStep(ctx, runID, def.ID, log, record, fbErr)
	}

	decision, fbErr := fb.Handle(ctx, stepErr, scope.Build().Data())
	if fbErr != nil {
		ferr := schema.NewErrorf(schema.ErrCodeFallback,
			"fallback %q failed: %s", def.Fallback, fbErr.Error()).WithStep(def.ID).WithCause(fbErr)
		return e.failStep(ctx, runID, def.ID, log, record, ferr)
	}

	switch decision.Kind {
	case handlers.DecisionContinue:
		payload, _ := json.Marshal(map[string]any{"error": stepErr.Message})
		_ = e.appender.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			StepID:  def.ID,
			Type:    schema.EventStepFallbackContinue,
			Payload: payload,
		})

		if err := scope.AddStepOutput(def.ID, decision.Value); err != nil {
			return e.failStep(ctx, runID, def.ID, log, record, toLoomError(err).WithStep(def.ID))
		}

		// The substitute value stands in for the handler's output; the step
		// is recorded succeeded.
		if record.Status == schema.StepStatusPending {
			_ = e.fsm.Transition(ctx, runID, def.ID, schema.StepStatusPending, schema.StepStatusRunning)
			record.Status = schema.StepStatusRunning
		}
		_ = e.fsm.Transition(ctx, runID, def.ID, record.Status, schema.StepStatusSucceeded)
		record.Status = schema.StepStatusSucceeded
		record.EndTime = time.Now().UTC()
		if def.RecordsIO() {
			record.Output = decision.Value
		}
		if err := log.Append(record); err != nil {
			return toLoomError(err).WithStep(def.ID)
		}
		return nil

	case handlers.DecisionStop:
		payload, _ := json.Marshal(map[string]any{"reason": decision.Reason, "error": stepErr.Message})
		_ = e.appender.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			StepID:  def.ID,
			Type:    schema.EventStepFallbackStop,
			Payload: payload,
		})

		reason := decision.Reason
		if reason == "" {
			reason = stepErr.Message
		}
		stopErr := schema.NewError(stepErr.Code, reason).WithStep(def.ID).WithCause(stepErr)
		return e.failStep(ctx, runID, def.ID, log, record, stopErr)

	default:
		ferr := schema.NewErrorf(schema.ErrCodeFallback,
			"fallback %q returned unknown decision %q", def.Fallback, decision.Kind).WithStep(def.ID)
		return e.failStep(ctx, runID, def.ID, log, record, ferr)
	}
}

// failStep finalizes the record as failed and returns the error.
func (e *StepExecutor) failStep(ctx context.Context, runID, stepID string, log *ExecutionLog, record *schema.StepRecord, stepErr *schema.LoomError) error {
	from := record.Status
	record.Status = schema.StepStatusFailed
	record.EndTime = time.Now().UTC()
	record.Error = stepErr

	if isValidStepTransition(from, schema.StepStatusFailed) {
		if err := e.fsm.Transition(ctx, runID, stepID, from, schema.StepStatusFailed); err != nil {
			e.logger.ErrorContext(ctx, "step failure transition rejected", "error", err)
		}
	}

	if err := log.Append(record); err != nil {
		e.logger.ErrorContext(ctx, "append failed step record", "error", err)
	}
	e.logger.ErrorContext(ctx, "step failed",
		"code", stepErr.Code, "attempts", record.AttemptCount, "error", stepErr.Message)
	return stepErr
}

// toLoomError normalizes any error to a *LoomError, wrapping plain errors as
// handler failures.
func toLoomError(err error) *schema.LoomError {
	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		return loomErr
	}
	return schema.NewError(schema.CodeOf(err), err.Error()).WithCause(err)
}
