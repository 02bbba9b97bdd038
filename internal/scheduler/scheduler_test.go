package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	mu      sync.Mutex
	calls   int32
	block   chan struct{}
	result  *engine.RunResult
	inputs  []map[string]any
	started chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		result:  &engine.RunResult{Status: schema.RunStatusSucceeded},
		started: make(chan struct{}, 16),
	}
}

func (f *fakeLauncher) Execute(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*engine.RunResult, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return f.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "nightly",
		Root: &schema.NodeDefinition{
			Kind: schema.NodeStep,
			Step: &schema.StepDefinition{ID: "s1", Handler: "core.echo"},
		},
	}
}

func TestScheduler_NextRun(t *testing.T) {
	s := NewScheduler(newFakeLauncher(), testLogger())

	from := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	next, err := s.NextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), next)

	next, err = s.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 10, 45, 0, 0, time.UTC), next)
}

func TestScheduler_NextRunInvalidExpression(t *testing.T) {
	s := NewScheduler(newFakeLauncher(), testLogger())

	_, err := s.NextRun("not a cron", time.Now())
	assert.Error(t, err)
}

func TestScheduler_AddValidation(t *testing.T) {
	s := NewScheduler(newFakeLauncher(), testLogger())

	assert.Error(t, s.Add(&Schedule{CronExpr: "* * * * *", Definition: testDefinition()}))
	assert.Error(t, s.Add(&Schedule{ID: "no-def", CronExpr: "* * * * *"}))
	assert.Error(t, s.Add(&Schedule{ID: "bad-cron", CronExpr: "nope", Definition: testDefinition()}))
}

func TestScheduler_AddDuplicate(t *testing.T) {
	s := NewScheduler(newFakeLauncher(), testLogger())

	sched := &Schedule{ID: "nightly", CronExpr: "0 0 * * *", Definition: testDefinition()}
	require.NoError(t, s.Add(sched))

	err := s.Add(sched)
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeConflict, le.Code)
}

func TestScheduler_Remove(t *testing.T) {
	s := NewScheduler(newFakeLauncher(), testLogger())

	require.NoError(t, s.Add(&Schedule{ID: "nightly", CronExpr: "0 0 * * *", Definition: testDefinition()}))
	require.NoError(t, s.Remove("nightly"))

	err := s.Remove("nightly")
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeNotFound, le.Code)
}

func TestScheduler_TickRunsDueSchedules(t *testing.T) {
	launcher := newFakeLauncher()
	s := NewScheduler(launcher, testLogger())

	require.NoError(t, s.Add(&Schedule{
		ID:         "due",
		CronExpr:   "* * * * *",
		Definition: testDefinition(),
		Input:      map[string]any{"source": "cron"},
	}))

	// Force the schedule due and tick manually.
	s.mu.Lock()
	s.schedules["due"].nextRunAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&launcher.calls))
	launcher.mu.Lock()
	require.Len(t, launcher.inputs, 1)
	assert.Equal(t, "cron", launcher.inputs[0]["source"])
	launcher.mu.Unlock()

	// The schedule advanced; an immediate second tick does nothing.
	s.tick(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&launcher.calls))
}

func TestScheduler_TickSkipsFutureSchedules(t *testing.T) {
	launcher := newFakeLauncher()
	s := NewScheduler(launcher, testLogger())

	require.NoError(t, s.Add(&Schedule{ID: "later", CronExpr: "0 0 1 1 *", Definition: testDefinition()}))
	s.tick(context.Background())

	assert.Equal(t, int32(0), atomic.LoadInt32(&launcher.calls))
}

func TestScheduler_InflightDedup(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.block = make(chan struct{})
	s := NewScheduler(launcher, testLogger())

	require.NoError(t, s.Add(&Schedule{ID: "slow", CronExpr: "* * * * *", Definition: testDefinition()}))
	s.mu.Lock()
	s.schedules["slow"].nextRunAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	go s.tick(context.Background())
	<-launcher.started

	// A second tick while the first trigger is in flight is a no-op.
	require.True(t, s.tryAcquire("other"))
	s.release("other")
	assert.False(t, s.tryAcquire("slow"))

	close(launcher.block)
}

func TestScheduler_StopDuringInflightRun(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.block = make(chan struct{})
	s := NewScheduler(launcher, testLogger())

	require.NoError(t, s.Add(&Schedule{ID: "slow", CronExpr: "* * * * *", Definition: testDefinition()}))
	s.mu.Lock()
	s.schedules["slow"].nextRunAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	// The loop's initial tick triggers the run, which blocks in the launcher.
	require.NoError(t, s.Start(context.Background()))
	<-launcher.started

	// Stop must cancel the in-flight run and return; it cannot hold the
	// schedule lock while waiting or the run can never advance its schedule.
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop never returned while a scheduled run was in flight")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	launcher := newFakeLauncher()
	s := NewScheduler(launcher, testLogger())
	s.interval = 10 * time.Millisecond

	require.NoError(t, s.Add(&Schedule{ID: "idle", CronExpr: "0 0 1 1 *", Definition: testDefinition()}))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	// Stop is idempotent.
	require.NoError(t, s.Stop())
}
