package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFSM_ValidTransition_EmitsEvent(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewRunFSM(st)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusPending, schema.RunStatusRunning))

	events, err := st.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	fsm := NewRunFSM(store.NewMemoryStore())

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusSucceeded, schema.RunStatusRunning)
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeInvalidTransition, le.Code)
}

func TestRunFSM_PendingToFailed(t *testing.T) {
	// Runs rejected before the first step (input validation) go straight to failed.
	fsm := NewRunFSM(store.NewMemoryStore())
	assert.NoError(t, fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusFailed))
}

func TestRunFSM_Hooks_OrderAndAbort(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewRunFSM(st)
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		calls = append(calls, "before")
		return nil
	})
	fsm.OnAfter(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		calls = append(calls, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusPending, schema.RunStatusRunning))
	assert.Equal(t, []string{"before", "after"}, calls)

	// A failing before-hook aborts the transition and suppresses the event.
	fsm2 := NewRunFSM(st)
	fsm2.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		return errors.New("hook rejected")
	})
	err := fsm2.Transition(ctx, "run-2", schema.RunStatusPending, schema.RunStatusRunning)
	require.Error(t, err)

	events, err := st.GetEvents(ctx, "run-2", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStepFSM_LifecyclePath(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewStepFSM(st)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", "s1", schema.StepStatusPending, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", "s1", schema.StepStatusRunning, schema.StepStatusRetrying))
	require.NoError(t, fsm.Transition(ctx, "run-1", "s1", schema.StepStatusRetrying, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", "s1", schema.StepStatusRunning, schema.StepStatusSucceeded))

	events, err := st.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, schema.EventStepRetrying, events[1].Type)
	assert.Equal(t, schema.EventStepStarted, events[2].Type)
	assert.Equal(t, schema.EventStepSucceeded, events[3].Type)
}

func TestStepFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewStepFSM(store.NewMemoryStore())
	ctx := context.Background()

	for _, from := range []schema.StepStatus{schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusSkipped} {
		err := fsm.Transition(ctx, "run-1", "s1", from, schema.StepStatusRunning)
		assert.Error(t, err, "expected %s to be terminal", from)
	}
}

func TestStepFSM_PendingToSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewStepFSM(st)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", "s1", schema.StepStatusPending, schema.StepStatusSkipped))

	events, err := st.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStepSkipped, events[0].Type)
}

func TestStepFSM_PendingCannotSucceedDirectly(t *testing.T) {
	fsm := NewStepFSM(store.NewMemoryStore())
	err := fsm.Transition(context.Background(), "run-1", "s1", schema.StepStatusPending, schema.StepStatusSucceeded)
	assert.Error(t, err)
}
