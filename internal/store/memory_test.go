package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(id, workflow string) *Run {
	return &Run{
		ID:       id,
		Workflow: workflow,
		Status:   schema.RunStatusPending,
		Input:    map[string]any{"k": "v"},
	}
}

func TestMemoryStore_CreateAndGetRun(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, newRun("r1", "wf")))

	run, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "wf", run.Workflow)
	assert.Equal(t, schema.RunStatusPending, run.Status)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestMemoryStore_CreateDuplicateRun(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, newRun("r1", "wf")))
	err := st.CreateRun(ctx, newRun("r1", "wf"))
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeConflict, le.Code)
}

func TestMemoryStore_GetMissingRun(t *testing.T) {
	st := NewMemoryStore()

	_, err := st.GetRun(context.Background(), "ghost")
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeNotFound, le.Code)
}

func TestMemoryStore_UpdateRun(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, newRun("r1", "wf")))

	status := schema.RunStatusSucceeded
	now := time.Now().UTC()
	require.NoError(t, st.UpdateRun(ctx, "r1", RunUpdate{
		Status:      &status,
		Output:      json.RawMessage(`{"done":true}`),
		CompletedAt: &now,
	}))

	run, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.JSONEq(t, `{"done":true}`, string(run.Output))
	require.NotNil(t, run.CompletedAt)

	assert.Error(t, st.UpdateRun(ctx, "ghost", RunUpdate{}))
}

func TestMemoryStore_GetRunReturnsCopy(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, newRun("r1", "wf")))

	run, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	run.Status = schema.RunStatusFailed

	again, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, again.Status)
}

func TestMemoryStore_ListRuns(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	r1 := newRun("r1", "alpha")
	r1.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	r2 := newRun("r2", "beta")
	r2.CreatedAt = time.Now().UTC().Add(-1 * time.Hour)
	r3 := newRun("r3", "alpha")
	r3.Status = schema.RunStatusSucceeded
	r3.CreatedAt = time.Now().UTC()

	for _, r := range []*Run{r1, r2, r3} {
		require.NoError(t, st.CreateRun(ctx, r))
	}

	// Newest first.
	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)
	assert.Equal(t, "r1", all[2].ID)

	// Workflow filter.
	alphas, err := st.ListRuns(ctx, RunFilter{Workflow: "alpha"})
	require.NoError(t, err)
	assert.Len(t, alphas, 2)

	// Status filter.
	succeeded := schema.RunStatusSucceeded
	done, err := st.ListRuns(ctx, RunFilter{Status: &succeeded})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "r3", done[0].ID)

	// Since filter.
	since := time.Now().UTC().Add(-90 * time.Minute)
	recent, err := st.ListRuns(ctx, RunFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	// Limit and offset.
	paged, err := st.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "r2", paged[0].ID)

	// Offset past the end.
	empty, err := st.ListRuns(ctx, RunFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_DeleteRun(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, newRun("r1", "wf")))
	require.NoError(t, st.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventRunStarted}))

	require.NoError(t, st.DeleteRun(ctx, "r1"))

	_, err := st.GetRun(ctx, "r1")
	assert.Error(t, err)

	events, err := st.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.Error(t, st.DeleteRun(ctx, "r1"))
}

func TestMemoryStore_EventSequencePerRun(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventStepStarted}))
	}
	require.NoError(t, st.AppendEvent(ctx, &Event{RunID: "r2", Type: schema.EventRunStarted}))

	r1Events, err := st.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, r1Events, 3)
	for i, e := range r1Events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	// Sequences are per run, not global.
	r2Events, err := st.GetEvents(ctx, "r2", 0)
	require.NoError(t, err)
	require.Len(t, r2Events, 1)
	assert.Equal(t, int64(1), r2Events[0].Sequence)
}

func TestMemoryStore_GetEventsSince(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventStepStarted}))
	}

	tail, err := st.GetEvents(ctx, "r1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Sequence)
	assert.Equal(t, int64(5), tail[1].Sequence)
}

func TestMemoryStore_StepRecords(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	records := []*schema.StepRecord{
		{StepID: "a", Status: schema.StepStatusSucceeded, AttemptCount: 1},
		{StepID: "b", Status: schema.StepStatusFailed, AttemptCount: 3,
			Error: schema.NewError(schema.ErrCodeHandler, "boom")},
	}
	require.NoError(t, st.SaveStepRecords(ctx, "r1", records))

	got, err := st.ListStepRecords(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].StepID)
	assert.Equal(t, "b", got[1].StepID)
	require.NotNil(t, got[1].Error)
	assert.Equal(t, schema.ErrCodeHandler, got[1].Error.Code)

	// Saving again replaces the log.
	require.NoError(t, st.SaveStepRecords(ctx, "r1", records[:1]))
	got, err = st.ListStepRecords(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_MigrateAndClose(t *testing.T) {
	st := NewMemoryStore()
	assert.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, st.Close())
}
