package handlers

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "data": {}
  },
  "required": ["expression"]
}`

// TransformHandler implements the "core.transform" handler: a jq program
// applied to params.data (or the full scope when data is absent). Covers the
// reshape-previous-outputs case without writing a dedicated handler.
type TransformHandler struct {
	engine *expressions.GoJQEngine
}

// NewTransformHandler creates the core.transform handler.
func NewTransformHandler() *TransformHandler {
	return &TransformHandler{engine: expressions.NewGoJQEngine()}
}

func (h *TransformHandler) Name() string { return "core.transform" }

func (h *TransformHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Apply a jq expression to params.data, or to the execution scope when data is omitted.",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (h *TransformHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	expr := stringParam(input.Params, "expression", "")
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "core.transform: missing required param 'expression'")
	}

	var data map[string]any
	if raw, ok := input.Params["data"]; ok && raw != nil {
		if m, isMap := raw.(map[string]any); isMap {
			data = m
		} else {
			// jq programs take an object as input; wrap scalars and arrays.
			data = map[string]any{"value": raw}
		}
	} else {
		data = input.Scope
	}

	result, err := h.engine.Evaluate(ctx, expr, data)
	if err != nil {
		var loomErr *schema.LoomError
		if schema.AsLoomError(err, &loomErr) {
			return nil, loomErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "core.transform: %v", err).WithCause(err)
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "core.transform: failed to marshal result").WithCause(err)
	}
	return &Output{Data: out}, nil
}

var _ Handler = (*TransformHandler)(nil)
