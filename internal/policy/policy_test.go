package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultBundleMatchesBuiltinSemantics(t *testing.T) {
	ev, err := New(context.Background(), "")
	require.NoError(t, err)

	cases := []struct {
		name string
		in   Input
		want Decision
	}{
		{"all_success ok", Input{Policy: "all_success", AllSucceeded: true}, Decision{Completed: true}},
		{"all_success fail", Input{Policy: "all_success", AllSucceeded: false}, Decision{Completed: false}},
		{"first_success any", Input{Policy: "first_success", AnyCompleted: true}, Decision{Completed: true}},
		{"first_success none", Input{Policy: "first_success", AnyCompleted: false}, Decision{Completed: false}},
		{"allow_debt clean", Input{Policy: "allow_debt", UnresolvedDebt: false}, Decision{Completed: true}},
		{"allow_debt pending", Input{Policy: "allow_debt", UnresolvedDebt: true}, Decision{Completed: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.Decide(context.Background(), tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCustomBundleOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	module := `package dagexec.runpolicy

completed { input.policy == "all_success" }
paused = false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "always.rego"), []byte(module), 0o644))

	ev, err := New(context.Background(), dir)
	require.NoError(t, err)

	got, err := ev.Decide(context.Background(), Input{Policy: "all_success", AllSucceeded: false})
	require.NoError(t, err)
	require.True(t, got.Completed)
}

func TestNewRejectsEmptyBundleDir(t *testing.T) {
	_, err := New(context.Background(), t.TempDir())
	require.Error(t, err)
}
