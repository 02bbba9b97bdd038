package handlers

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformHandler_OnData(t *testing.T) {
	h := NewTransformHandler()

	out, err := h.Execute(context.Background(), Input{Params: map[string]any{
		"expression": `.items | length`,
		"data":       map[string]any{"items": []any{1, 2, 3}},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":3}`, string(out.Data))
}

func TestTransformHandler_OnScope(t *testing.T) {
	h := NewTransformHandler()

	out, err := h.Execute(context.Background(), Input{
		Params: map[string]any{"expression": `.steps.fetch.status`},
		Scope: map[string]any{
			"steps": map[string]any{"fetch": map[string]any{"status": 200}},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":200}`, string(out.Data))
}

func TestTransformHandler_WrapsNonMapData(t *testing.T) {
	h := NewTransformHandler()

	out, err := h.Execute(context.Background(), Input{Params: map[string]any{
		"expression": `.value | length`,
		"data":       []any{"a", "b"},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":2}`, string(out.Data))
}

func TestTransformHandler_MissingExpression(t *testing.T) {
	h := NewTransformHandler()

	_, err := h.Execute(context.Background(), Input{Params: map[string]any{}})
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeValidation, le.Code)
}

func TestTransformHandler_BadExpression(t *testing.T) {
	h := NewTransformHandler()

	_, err := h.Execute(context.Background(), Input{Params: map[string]any{
		"expression": `.[broken`,
		"data":       map[string]any{},
	}})
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeValidation, le.Code)
}
