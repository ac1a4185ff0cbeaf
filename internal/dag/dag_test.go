package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func linear(t *testing.T) *DAG {
	t.Helper()
	d := New(nil, AllSuccess)
	require.NoError(t, d.AddNode(Task{ID: "a"}))
	require.NoError(t, d.AddNode(Task{ID: "b", Dependencies: []string{"a"}}))
	require.NoError(t, d.AddNode(Task{ID: "c", Dependencies: []string{"b"}}))
	require.NoError(t, d.Initialize())
	return d
}

func TestReadySetInitial(t *testing.T) {
	d := linear(t)
	require.Equal(t, []string{"a"}, d.ReadySet())
}

func TestApplyResultFansOut(t *testing.T) {
	d := linear(t)
	require.NoError(t, d.MarkRunning("a"))
	newly, err := d.ApplyResult("a", Completed([]byte("ok")))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, newly)
	require.Equal(t, []string{"b"}, d.ReadySet())
}

func TestBlockingFailureSkipsDependents(t *testing.T) {
	d := linear(t)
	require.NoError(t, d.MarkRunning("a"))
	newly, err := d.ApplyResult("a", Failed(Blocking, "boom"))
	require.NoError(t, err)
	require.Empty(t, newly)

	vb, err := d.View("b")
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, vb.Status)

	vc, err := d.View("c")
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, vc.Status)
	require.True(t, d.IsTerminal())
}

func TestIgnorableFailureFansOutUnderAllowDebt(t *testing.T) {
	d := New(nil, AllowDebt)
	require.NoError(t, d.AddNode(Task{ID: "a"}))
	require.NoError(t, d.AddNode(Task{ID: "b", Dependencies: []string{"a"}}))
	require.NoError(t, d.Initialize())

	require.NoError(t, d.MarkRunning("a"))
	newly, err := d.ApplyResult("a", Failed(Ignorable, "meh"))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, newly)
}

func TestIgnorableFailureSkipsUnderAllSuccess(t *testing.T) {
	d := linear(t)
	require.NoError(t, d.MarkRunning("a"))
	newly, err := d.ApplyResult("a", Failed(Ignorable, "meh"))
	require.NoError(t, err)
	require.Empty(t, newly)

	vb, err := d.View("b")
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, vb.Status)
}

func TestDuplicateTaskRejected(t *testing.T) {
	d := New(nil, AllSuccess)
	require.NoError(t, d.AddNode(Task{ID: "a"}))
	err := d.AddNode(Task{ID: "a"})
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestUnknownDependencyRejected(t *testing.T) {
	d := New(nil, AllSuccess)
	require.NoError(t, d.AddNode(Task{ID: "a", Dependencies: []string{"ghost"}}))
	err := d.Validate()
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestCycleRejected(t *testing.T) {
	d := New(nil, AllSuccess)
	require.NoError(t, d.AddNode(Task{ID: "a", Dependencies: []string{"b"}}))
	require.NoError(t, d.AddNode(Task{ID: "b", Dependencies: []string{"a"}}))
	err := d.Validate()
	require.ErrorIs(t, err, ErrCycle)
}

func TestEmptyDAGRejected(t *testing.T) {
	d := New(nil, AllSuccess)
	err := d.Validate()
	require.ErrorIs(t, err, ErrEmptyDAG)
}

func TestPriorityOrdering(t *testing.T) {
	d := New(nil, AllSuccess)
	require.NoError(t, d.AddNode(Task{ID: "low", Priority: 5}))
	require.NoError(t, d.AddNode(Task{ID: "high", Priority: 0}))
	require.NoError(t, d.AddNode(Task{ID: "mid", Priority: 2}))
	require.NoError(t, d.Initialize())
	require.Equal(t, []string{"high", "mid", "low"}, d.ReadySet())
}

type fakeCond struct{ result bool }

func (f fakeCond) Eval(expr string, ctx map[string]any) (bool, error) { return f.result, nil }

func TestConditionFalseSkipsSubtree(t *testing.T) {
	d := New(fakeCond{result: false}, AllSuccess)
	require.NoError(t, d.AddNode(Task{ID: "a", Condition: "false"}))
	require.NoError(t, d.AddNode(Task{ID: "b", Dependencies: []string{"a"}}))
	require.NoError(t, d.Initialize())

	va, err := d.View("a")
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, va.Status)

	vb, err := d.View("b")
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, vb.Status)
}

func TestDiamondWaitsForBothParents(t *testing.T) {
	d := New(nil, AllSuccess)
	require.NoError(t, d.AddNode(Task{ID: "root"}))
	require.NoError(t, d.AddNode(Task{ID: "left", Dependencies: []string{"root"}}))
	require.NoError(t, d.AddNode(Task{ID: "right", Dependencies: []string{"root"}}))
	require.NoError(t, d.AddNode(Task{ID: "join", Dependencies: []string{"left", "right"}}))
	require.NoError(t, d.Initialize())

	require.NoError(t, d.MarkRunning("root"))
	newly, err := d.ApplyResult("root", Completed(nil))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"left", "right"}, newly)

	require.NoError(t, d.MarkRunning("left"))
	newly, err = d.ApplyResult("left", Completed(nil))
	require.NoError(t, err)
	require.Empty(t, newly, "join must wait for right too")

	require.NoError(t, d.MarkRunning("right"))
	newly, err = d.ApplyResult("right", Completed(nil))
	require.NoError(t, err)
	require.Equal(t, []string{"join"}, newly)
}

func TestRestoreStatusForHydrate(t *testing.T) {
	d := linear(t)
	require.NoError(t, d.RestoreStatus("a", StatusReady, 2, nil, ""))
	va, err := d.View("a")
	require.NoError(t, err)
	require.Equal(t, StatusReady, va.Status)
	require.Equal(t, 2, va.Attempts)
}
