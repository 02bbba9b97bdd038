package store

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// Store defines the persistence layer contract for runs, their append-only
// event logs, and their execution logs. All implementations must be safe for
// concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Execution log
	SaveStepRecords(ctx context.Context, runID string, records []*schema.StepRecord) error
	ListStepRecords(ctx context.Context, runID string) ([]*schema.StepRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
