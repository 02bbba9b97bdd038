package expressions

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_ArrayOperations(t *testing.T) {
	eng := NewExprEngine()
	data := map[string]any{
		"steps": map[string]any{
			"fetch": map[string]any{"items": []any{1, 5, 10}},
		},
	}

	out, err := eng.Evaluate(context.Background(), `len(steps.fetch.items)`, data)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = eng.Evaluate(context.Background(), `any(steps.fetch.items, # > 8)`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_NilCoalescing(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `input?.missing ?? "default"`, map[string]any{
		"input": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "default", out)
}

func TestExprEngine_CompileError(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.Evaluate(context.Background(), `1 +`, map[string]any{})
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeValidation, le.Code)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	eng := NewExprEngine()
	_, err := eng.Evaluate(context.Background(), "", map[string]any{})
	assert.Error(t, err)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `unknown == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}
