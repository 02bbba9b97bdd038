package handlers

import (
	"context"
	"encoding/json"
)

// Fallback is the recovery policy consulted after a step's retries are
// exhausted. It decides whether the surrounding composition continues with a
// substitute value or stops with the step's failure.
type Fallback interface {
	Handle(ctx context.Context, stepErr error, scope map[string]any) (Decision, error)
}

// Decision is the outcome of a fallback invocation.
type Decision struct {
	Kind   DecisionKind    `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`  // Continue: substitute step output
	Reason string          `json:"reason,omitempty"` // Stop: propagated failure reason
}

// DecisionKind enumerates the fallback outcomes.
type DecisionKind string

const (
	DecisionContinue DecisionKind = "continue"
	DecisionStop     DecisionKind = "stop"
)

// Continue builds a decision that substitutes value for the step's output
// and lets the workflow proceed as if the handler had produced it.
func Continue(value json.RawMessage) Decision {
	return Decision{Kind: DecisionContinue, Value: value}
}

// Stop builds a decision that finalizes the step as failed and propagates
// the given reason to the enclosing composition node.
func Stop(reason string) Decision {
	return Decision{Kind: DecisionStop, Reason: reason}
}

// FallbackFunc adapts a plain function to the Fallback interface.
type FallbackFunc func(ctx context.Context, stepErr error, scope map[string]any) (Decision, error)

func (f FallbackFunc) Handle(ctx context.Context, stepErr error, scope map[string]any) (Decision, error) {
	return f(ctx, stepErr, scope)
}
