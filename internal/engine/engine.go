package engine

import (
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/handlers"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/validation"
)

// Config tunes engine construction.
type Config struct {
	// PoolSize bounds concurrent parallel branches across all runs.
	PoolSize int
	// HTTP configures the core.http builtin handler.
	HTTP handlers.HTTPConfig
	// RegisterBuiltins controls whether the core.* handler library is
	// registered on construction.
	RegisterBuiltins bool
}

const defaultPoolSize = 16

// Engine bundles the fully wired execution stack: handler registry, branch
// condition engines, worker pool, FSMs, traverser, and runner, all sharing
// one Store.
type Engine struct {
	Registry *handlers.Registry
	Runner   *Runner

	pool  *WorkerPool
	store store.Store
}

// New wires an Engine over the given store and validator.
func New(st store.Store, validator validation.Validator, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	registry := handlers.NewRegistry()
	if cfg.RegisterBuiltins {
		if err := handlers.RegisterBuiltins(registry, cfg.HTTP); err != nil {
			return nil, fmt.Errorf("register builtin handlers: %w", err)
		}
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}
	engines := map[string]expressions.Engine{
		"cel":  celEngine,
		"expr": expressions.NewExprEngine(),
		"jq":   expressions.NewGoJQEngine(),
	}

	pool := NewWorkerPool(cfg.PoolSize)
	stepFSM := NewStepFSM(st)
	runFSM := NewRunFSM(st)
	exec := NewStepExecutor(registry, stepFSM, st, logger)
	traverser := NewTraverser(exec, engines, pool, st, logger)
	runner := NewRunner(validator, traverser, runFSM, st, logger)

	return &Engine{
		Registry: registry,
		Runner:   runner,
		pool:     pool,
		store:    st,
	}, nil
}

// PoolMetrics returns a snapshot of the worker pool metrics.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Close shuts down the worker pool and the store.
func (e *Engine) Close() error {
	e.pool.Shutdown()
	return e.store.Close()
}
