package handlers

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(name string) Handler {
	return HandlerFunc{
		HandlerName: name,
		Fn: func(ctx context.Context, input Input) (*Output, error) {
			return &Output{}, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(noopHandler("my.handler")))
	assert.True(t, reg.Has("my.handler"))

	h, err := reg.Get("my.handler")
	require.NoError(t, err)
	assert.Equal(t, "my.handler", h.Name())
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(noopHandler("dup")))

	err := reg.Register(noopHandler("dup"))
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeConflict, le.Code)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("ghost")
	require.Error(t, err)

	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeNotFound, le.Code)
}

func TestRegistry_EmptyNameRejected(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(noopHandler("")))
	assert.Error(t, reg.Register(nil))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(noopHandler("zeta")))
	require.NoError(t, reg.Register(noopHandler("alpha")))
	require.NoError(t, reg.Register(noopHandler("mid")))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mid", infos[1].Name)
	assert.Equal(t, "zeta", infos[2].Name)
}

func TestRegistry_Fallbacks(t *testing.T) {
	reg := NewRegistry()
	fb := FallbackFunc(func(ctx context.Context, stepErr error, scope map[string]any) (Decision, error) {
		return Continue(nil), nil
	})

	require.NoError(t, reg.RegisterFallback("recover", fb))

	got, err := reg.GetFallback("recover")
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = reg.GetFallback("missing")
	assert.Error(t, err)

	assert.Error(t, reg.RegisterFallback("recover", fb))
	assert.Error(t, reg.RegisterFallback("", fb))
	assert.Error(t, reg.RegisterFallback("nil-fb", nil))
}

func TestFallbackConstructors(t *testing.T) {
	c := Continue([]byte(`{"v":1}`))
	assert.Equal(t, DecisionContinue, c.Kind)
	assert.JSONEq(t, `{"v":1}`, string(c.Value))

	s := Stop("give up")
	assert.Equal(t, DecisionStop, s.Kind)
	assert.Equal(t, "give up", s.Reason)
}
