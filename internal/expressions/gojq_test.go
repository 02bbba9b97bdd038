package expressions

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jqData() map[string]any {
	return map[string]any{
		"steps": map[string]any{
			"fetch": map[string]any{
				"items": []any{
					map[string]any{"id": "a", "n": 1},
					map[string]any{"id": "b", "n": 2},
				},
			},
		},
	}
}

func TestGoJQEngine_FieldAccess(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `.steps.fetch.items[0].id`, jqData())
	require.NoError(t, err)
	assert.Equal(t, "a", out)
}

func TestGoJQEngine_Reshape(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `[.steps.fetch.items[].n] | add`, jqData())
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `.steps.fetch.items[].id`, jqData())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_IntegersWidened(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `.n + 1`, map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), `.[unclosed`, jqData())
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeValidation, le.Code)
}

func TestGoJQEngine_RuntimeError(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), `.steps | keys[0] + 1`, jqData())
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeExpression, le.Code)
}

func TestGoJQEngine_EnvironBlocked(t *testing.T) {
	t.Setenv("LOOM_SECRET_PROBE", "leaky")
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `env.LOOM_SECRET_PROBE`, jqData())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_EmptyExpression(t *testing.T) {
	eng := NewGoJQEngine()
	_, err := eng.Evaluate(context.Background(), "", jqData())
	assert.Error(t, err)
}
