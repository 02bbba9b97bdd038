package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// Traverser walks a composition tree, delegating leaf steps to the
// StepExecutor and implementing sequence, parallel, and branch semantics.
type Traverser struct {
	exec     *StepExecutor
	engines  map[string]expressions.Engine
	pool     *WorkerPool
	appender EventAppender
	logger   *slog.Logger
}

// NewTraverser creates a Traverser. engines maps engine names ("cel", "expr",
// "jq") to branch condition evaluators; pool bounds parallel fan-out.
func NewTraverser(exec *StepExecutor, engines map[string]expressions.Engine, pool *WorkerPool, appender EventAppender, logger *slog.Logger) *Traverser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Traverser{
		exec:     exec,
		engines:  engines,
		pool:     pool,
		appender: appender,
		logger:   logger,
	}
}

// ExecuteNode executes one composition node against the given scope. A
// non-nil return is the Stop reason that aborts the enclosing node.
func (t *Traverser) ExecuteNode(ctx context.Context, runID string, node *schema.NodeDefinition, scope *expressions.ScopeBuilder, log *ExecutionLog) error {
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
	}

	switch node.Kind {
	case schema.NodeStep:
		return t.exec.ExecuteStep(ctx, runID, node.Step, scope, log)
	case schema.NodeSequence:
		return t.executeSequence(ctx, runID, node.Children, scope, log)
	case schema.NodeParallel:
		return t.executeParallel(ctx, runID, node.Children, scope, log)
	case schema.NodeBranch:
		return t.executeBranch(ctx, runID, node.Branch, scope, log)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", node.Kind)
	}
}

// executeSequence runs children strictly in order. Each child sees the scope
// as of the completion of all prior children. On the first Stop, remaining
// children never start and their leaf steps are recorded skipped.
func (t *Traverser) executeSequence(ctx context.Context, runID string, children []schema.NodeDefinition, scope *expressions.ScopeBuilder, log *ExecutionLog) error {
	for i := range children {
		if err := t.ExecuteNode(ctx, runID, &children[i], scope, log); err != nil {
			t.skipRemaining(ctx, runID, children[i+1:], log)
			return err
		}
	}
	return nil
}

// executeParallel starts all children concurrently, each against a fork of
// the scope snapshotted when the node begins; siblings never observe each
// other's outputs while running. After every child terminates, successful
// outputs merge back in declaration order. The first Stop cancels in-flight
// siblings best-effort, and the node reports failure with the triggering
// child's reason — completed siblings' outputs still merge.
func (t *Traverser) executeParallel(ctx context.Context, runID string, children []schema.NodeDefinition, scope *expressions.ScopeBuilder, log *ExecutionLog) error {
	payload, _ := json.Marshal(map[string]any{"children": len(children)})
	_ = t.appender.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventParallelStarted,
		Payload: payload,
	})

	childCtx, cancelSiblings := context.WithCancel(ctx)
	defer cancelSiblings()

	forks := make([]*expressions.ScopeBuilder, len(children))
	errs := make([]error, len(children))
	for i := range children {
		forks[i] = scope.Fork()
	}

	var wg sync.WaitGroup
	var firstStop struct {
		mu  sync.Mutex
		err error
	}

	for i := range children {
		wg.Add(1)
		idx := i
		run := func(c context.Context) error {
			defer wg.Done()
			err := t.ExecuteNode(c, runID, &children[idx], forks[idx], log)
			errs[idx] = err
			if err != nil {
				firstStop.mu.Lock()
				if firstStop.err == nil {
					firstStop.err = err
					cancelSiblings()
				}
				firstStop.mu.Unlock()
			}
			return err
		}

		// Never block on the pool here: a nested parallel's goroutine already
		// occupies a slot, and waiting for another while holding it deadlocks
		// once the pool saturates. Overflow children run on plain goroutines.
		if t.pool == nil || !t.pool.TrySubmit(childCtx, run) {
			go func() { _ = run(childCtx) }()
		}
	}

	wg.Wait()

	// Merge every fork in declaration order: a failed child may still carry
	// outputs of inner steps that succeeded before the failure.
	merged := 0
	for i := range forks {
		merged += len(scope.NewKeys(forks[i]))
		if err := scope.Merge(forks[i]); err != nil {
			return toLoomError(err)
		}
	}

	mergePayload, _ := json.Marshal(map[string]any{"children": len(children), "merged_outputs": merged})
	_ = t.appender.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventParallelMerged,
		Payload: mergePayload,
	})

	var agg *multierror.Error
	for _, err := range errs {
		if err != nil {
			agg = multierror.Append(agg, err)
		}
	}
	if agg != nil {
		// Report the triggering child's reason; the rest ride along as details.
		trigger := toLoomError(firstStop.err)
		if len(agg.Errors) > 1 {
			trigger = trigger.WithDetails(map[string]any{
				"sibling_failures": len(agg.Errors) - 1,
				"aggregate":        agg.Error(),
			})
		}
		return trigger
	}
	return nil
}

// executeBranch evaluates the condition, normalizes its result to a string,
// and executes exactly one case (or the default). No match and no default is
// a BRANCH_NO_MATCH failure.
func (t *Traverser) executeBranch(ctx context.Context, runID string, cfg *schema.BranchConfig, scope *expressions.ScopeBuilder, log *ExecutionLog) error {
	engineName := cfg.Engine
	if engineName == "" {
		engineName = "cel"
	}
	engine, ok := t.engines[engineName]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown branch engine %q", engineName)
	}

	result, err := engine.Evaluate(ctx, cfg.Condition, scope.Build().Data())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExpression,
			"branch condition evaluation failed: %s", err.Error()).WithCause(err)
	}

	key := stringifyResult(result)

	payload, _ := json.Marshal(map[string]any{
		"condition": cfg.Condition,
		"engine":    engineName,
		"result":    key,
	})
	_ = t.appender.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventBranchEvaluated,
		Payload: payload,
	})

	for i := range cfg.Cases {
		if cfg.Cases[i].Match == key {
			return t.ExecuteNode(ctx, runID, &cfg.Cases[i].Node, scope, log)
		}
	}

	if cfg.Default != nil {
		return t.ExecuteNode(ctx, runID, cfg.Default, scope, log)
	}

	return schema.NewErrorf(schema.ErrCodeBranchNoMatch,
		"branch condition %q evaluated to %q: no matching case and no default", cfg.Condition, key)
}

// skipRemaining records every leaf step under the given nodes as skipped.
// Steps that already hold a record (shouldn't happen for never-started
// children) are left untouched.
func (t *Traverser) skipRemaining(ctx context.Context, runID string, nodes []schema.NodeDefinition, log *ExecutionLog) {
	now := time.Now().UTC()
	for _, def := range collectSteps(nodes) {
		if log.Has(def.ID) {
			continue
		}
		record := &schema.StepRecord{
			StepID:    def.ID,
			Status:    schema.StepStatusSkipped,
			StartTime: now,
			EndTime:   now,
		}
		if err := log.Append(record); err != nil {
			continue
		}
		_ = t.exec.fsm.Transition(ctx, runID, def.ID, schema.StepStatusPending, schema.StepStatusSkipped)
	}
}

// collectSteps gathers all leaf step definitions under the given nodes, in
// declaration order. Branch cases and defaults are included: none of them
// will run once the sequence aborts.
func collectSteps(nodes []schema.NodeDefinition) []*schema.StepDefinition {
	var steps []*schema.StepDefinition
	var walk func(n *schema.NodeDefinition)
	walk = func(n *schema.NodeDefinition) {
		switch n.Kind {
		case schema.NodeStep:
			if n.Step != nil {
				steps = append(steps, n.Step)
			}
		case schema.NodeSequence, schema.NodeParallel:
			for i := range n.Children {
				walk(&n.Children[i])
			}
		case schema.NodeBranch:
			if n.Branch == nil {
				return
			}
			for i := range n.Branch.Cases {
				walk(&n.Branch.Cases[i].Node)
			}
			if n.Branch.Default != nil {
				walk(n.Branch.Default)
			}
		}
	}
	for i := range nodes {
		walk(&nodes[i])
	}
	return steps
}

// stringifyResult normalizes a condition result to a case key.
func stringifyResult(result any) string {
	switch v := result.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		// Plain decimal notation: %g would render 1000000 as "1e+06" and
		// never match a literal case key.
		return strconv.FormatFloat(v, 'f', -1, 64)
	case uint64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
