package condition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalTrueFalse(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	ok, err := e.Eval("true", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Eval("false", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalOverContext(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	ctx := map[string]any{"fetch": map[string]any{"status": "ok"}}
	ok, err := e.Eval(`ctx.fetch.status == "ok"`, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Eval(`ctx.fetch.status == "fail"`, ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalNonBoolIsError(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Eval(`1 + 1`, nil)
	require.Error(t, err)
}

func TestEvalCompileErrorSurfaces(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Eval(`this is not cel (((`, nil)
	require.Error(t, err)
}
