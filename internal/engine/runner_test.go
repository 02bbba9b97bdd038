package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/handlers"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerHarness struct {
	eng   *Engine
	store *store.MemoryStore
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	st := store.NewMemoryStore()
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	eng, err := New(st, validator, Config{PoolSize: 4}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	require.NoError(t, eng.Registry.Register(handlers.HandlerFunc{
		HandlerName: "echo",
		Fn: func(ctx context.Context, input handlers.Input) (*handlers.Output, error) {
			data, err := json.Marshal(input.Params)
			if err != nil {
				return nil, err
			}
			return &handlers.Output{Data: data}, nil
		},
	}))
	require.NoError(t, eng.Registry.Register(handlers.HandlerFunc{
		HandlerName: "fail",
		Fn: func(ctx context.Context, input handlers.Input) (*handlers.Output, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "handler rejected input")
		},
	}))

	return &runnerHarness{eng: eng, store: st}
}

func simpleWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "greeting",
		Root: seqNode(
			stepNode("hello", "echo", `{"msg":"hello ${{input.name}}"}`),
			stepNode("shout", "echo", `{"loud":"${{steps.hello.output.msg}}!"}`),
		),
	}
}

func TestRunner_SuccessfulRun(t *testing.T) {
	h := newRunnerHarness(t)

	result, err := h.eng.Runner.Execute(context.Background(), simpleWorkflow(), map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.True(t, result.Ok())

	assert.Equal(t, schema.RunStatusSucceeded, result.Status)
	assert.NotEmpty(t, result.RunID)
	require.Len(t, result.Log, 2)
	assert.Equal(t, "hello", result.Log[0].StepID)
	assert.Equal(t, "shout", result.Log[1].StepID)

	// No output schema: the step-output map is the run output.
	var output map[string]any
	require.NoError(t, json.Unmarshal(result.Output, &output))
	assert.Contains(t, output, "hello")
	assert.Contains(t, output, "shout")

	run, err := h.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)

	records, err := h.store.ListStepRecords(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunner_InputValidationFailureRunsNoSteps(t *testing.T) {
	h := newRunnerHarness(t)

	def := simpleWorkflow()
	def.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)

	result, err := h.eng.Runner.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	assert.False(t, result.Ok())

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeValidation, result.Error.Code)
	assert.Empty(t, result.Log)

	// The rejected run is still recorded.
	run, err := h.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
}

func TestRunner_DefinitionValidationFailure(t *testing.T) {
	h := newRunnerHarness(t)

	def := &schema.WorkflowDefinition{
		Name: "dup",
		Root: seqNode(
			stepNode("same", "echo", `{}`),
			stepNode("same", "echo", `{}`),
		),
	}

	result, err := h.eng.Runner.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeValidation, result.Error.Code)
	assert.Empty(t, result.Log)
}

func TestRunner_OutputProjection(t *testing.T) {
	h := newRunnerHarness(t)

	def := simpleWorkflow()
	def.OutputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"shout": {"type": "object"},
			"input": {"type": "object"}
		},
		"required": ["shout"]
	}`)

	result, err := h.eng.Runner.Execute(context.Background(), def, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.True(t, result.Ok())

	var output map[string]any
	require.NoError(t, json.Unmarshal(result.Output, &output))

	// Only schema properties appear; "hello" is dropped, "input" projects the
	// original workflow input.
	assert.Contains(t, output, "shout")
	assert.Contains(t, output, "input")
	assert.NotContains(t, output, "hello")
	assert.Equal(t, map[string]any{"name": "ada"}, output["input"])
}

func TestRunner_OutputValidationFailure(t *testing.T) {
	h := newRunnerHarness(t)

	def := simpleWorkflow()
	def.OutputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"missing_step": {"type": "object"}},
		"required": ["missing_step"]
	}`)

	result, err := h.eng.Runner.Execute(context.Background(), def, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeValidation, result.Error.Code)

	// Every step ran; only the projection failed.
	assert.Len(t, result.Log, 2)
}

func TestRunner_FailureMidRunKeepsPartialLog(t *testing.T) {
	h := newRunnerHarness(t)

	def := &schema.WorkflowDefinition{
		Name: "partial",
		Root: seqNode(
			stepNode("ok", "echo", `{}`),
			stepNode("broken", "fail", `{}`),
			stepNode("never", "echo", `{}`),
		),
	}

	result, err := h.eng.Runner.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "broken", result.Error.StepID)

	require.Len(t, result.Log, 3)
	assert.Equal(t, schema.StepStatusSucceeded, result.Log[0].Status)
	assert.Equal(t, schema.StepStatusFailed, result.Log[1].Status)
	assert.Equal(t, schema.StepStatusSkipped, result.Log[2].Status)
}

func TestRunner_CancelledRun(t *testing.T) {
	h := newRunnerHarness(t)
	require.NoError(t, h.eng.Registry.Register(handlers.HandlerFunc{
		HandlerName: "block",
		Fn: func(ctx context.Context, input handlers.Input) (*handlers.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	def := &schema.WorkflowDefinition{
		Name: "cancellable",
		Root: seqNode(stepNode("stuck", "block", "")),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := h.eng.Runner.Execute(ctx, def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeCancelled, result.Error.Code)
}

func TestRunner_EmitsRunEvents(t *testing.T) {
	h := newRunnerHarness(t)

	result, err := h.eng.Runner.Execute(context.Background(), simpleWorkflow(), map[string]any{"name": "ada"})
	require.NoError(t, err)

	events, err := h.store.GetEvents(context.Background(), result.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunSucceeded, events[len(events)-1].Type)

	// Sequence numbers are monotonically increasing per run.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestRunner_RunMetadataVisibleToSteps(t *testing.T) {
	h := newRunnerHarness(t)

	def := &schema.WorkflowDefinition{
		Name: "meta",
		Root: seqNode(stepNode("s1", "echo", `{"wf":"${{run.workflow}}"}`)),
	}

	result, err := h.eng.Runner.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.True(t, result.Ok())
	assert.JSONEq(t, `{"wf":"meta"}`, string(result.Log[0].Output))
}
