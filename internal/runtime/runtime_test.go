package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct{ t Type }

func (f fakeAdapter) Type() Type { return f.t }
func (f fakeAdapter) Spawn(ctx context.Context) (Handle, error) {
	return Handle{ID: "h1", RuntimeType: f.t}, nil
}
func (f fakeAdapter) Dispatch(ctx context.Context, h Handle, req DispatchRequest) (DispatchResult, error) {
	return DispatchResult{Success: true, Output: "ok: " + req.Command}, nil
}
func (f fakeAdapter) Probe(ctx context.Context, h Handle) error    { return nil }
func (f fakeAdapter) Shutdown(ctx context.Context, h Handle) error { return nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeAdapter{t: TypeClaude})
	a, ok := r.Get(TypeClaude)
	require.True(t, ok)
	require.Equal(t, TypeClaude, a.Type())

	_, ok = r.Get(TypeKimi)
	require.False(t, ok)
}

func TestCommandNames(t *testing.T) {
	require.Equal(t, "kimi", TypeKimi.CommandName())
	require.Equal(t, "aider", TypeAider.CommandName())
	require.Equal(t, "opencode", TypeOpenCode.CommandName())
}

func TestFakeDispatch(t *testing.T) {
	a := fakeAdapter{t: TypeClaude}
	h, err := a.Spawn(context.Background())
	require.NoError(t, err)
	res, err := a.Dispatch(context.Background(), h, DispatchRequest{Command: "hi"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "ok: hi", res.Output)
}
