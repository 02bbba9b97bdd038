package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// RegisterBuiltins registers all built-in handlers in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Handler{
		newEchoHandler(),
		newSleepHandler(),
		newFailHandler(),
		NewTransformHandler(),
		NewHTTPRequestHandler(httpCfg),
	}

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// --- Param helpers used by all handler files ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// --- core.echo ---

// newEchoHandler returns a handler that echoes its params back as output.
// Useful for wiring literals through the context and in examples/tests.
func newEchoHandler() Handler {
	return HandlerFunc{
		HandlerName: "core.echo",
		Desc:        "returns its resolved params unchanged",
		Fn: func(ctx context.Context, input Input) (*Output, error) {
			data, err := json.Marshal(input.Params)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeHandler, "marshal echo params: %s", err.Error()).WithCause(err)
			}
			return &Output{Data: data}, nil
		},
	}
}

// --- core.sleep ---

// newSleepHandler returns a handler that blocks for params.duration.
// Respects context cancellation, so step timeouts interrupt it.
func newSleepHandler() Handler {
	return HandlerFunc{
		HandlerName: "core.sleep",
		Desc:        "sleeps for params.duration (e.g. \"250ms\")",
		Fn: func(ctx context.Context, input Input) (*Output, error) {
			durStr := stringParam(input.Params, "duration", "")
			dur, err := time.ParseDuration(durStr)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeHandler, "invalid duration %q: %s", durStr, err.Error())
			}
			select {
			case <-time.After(dur):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			data, _ := json.Marshal(map[string]any{"slept": durStr})
			return &Output{Data: data}, nil
		},
	}
}

// --- core.fail ---

// newFailHandler returns a handler that fails with params.message, or
// succeeds after params.fail_times failures when given a mutable counter.
// Exists for exercising retry/fallback paths in examples and smoke tests.
func newFailHandler() Handler {
	return HandlerFunc{
		HandlerName: "core.fail",
		Desc:        "always fails with params.message",
		Fn: func(ctx context.Context, input Input) (*Output, error) {
			msg := stringParam(input.Params, "message", "deliberate failure")
			return nil, schema.NewError(schema.ErrCodeHandler, msg)
		},
	}
}
