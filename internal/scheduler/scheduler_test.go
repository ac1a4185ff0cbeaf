package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/dagexec/internal/dag"
)

func linearGraph(t *testing.T, policy dag.Policy) *dag.DAG {
	t.Helper()
	g := dag.New(nil, policy)
	require.NoError(t, g.AddNode(dag.Task{ID: "a"}))
	require.NoError(t, g.AddNode(dag.Task{ID: "b", Dependencies: []string{"a"}}))
	return g
}

func TestCreateStartAndDrain(t *testing.T) {
	s := New(Options{}, nil)
	runID, err := s.CreateRun("demo", dag.AllSuccess, linearGraph(t, dag.AllSuccess))
	require.NoError(t, err)
	require.NoError(t, s.Start(runID))

	id, ok, err := s.Next(runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", id)

	run, err := s.GetRun(runID)
	require.NoError(t, err)
	require.NoError(t, run.Graph.MarkRunning("a"))

	newly, err := s.ApplyResult(runID, "a", dag.Completed(nil))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, newly)

	id, ok, err = s.Next(runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", id)

	require.NoError(t, run.Graph.MarkRunning("b"))
	_, err = s.ApplyResult(runID, "b", dag.Completed(nil))
	require.NoError(t, err)

	_, ok, err = s.Next(runID)
	require.NoError(t, err)
	require.False(t, ok, "channel should be closed once the run is terminal")

	run, err = s.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status)
}

func TestBlockingFailureFailsRunUnderAllSuccess(t *testing.T) {
	s := New(Options{}, nil)
	runID, err := s.CreateRun("demo", dag.AllSuccess, linearGraph(t, dag.AllSuccess))
	require.NoError(t, err)
	require.NoError(t, s.Start(runID))

	run, _ := s.GetRun(runID)
	require.NoError(t, run.Graph.MarkRunning("a"))
	_, err = s.ApplyResult(runID, "a", dag.Failed(dag.Blocking, "boom"))
	require.NoError(t, err)

	run, _ = s.GetRun(runID)
	require.Equal(t, StatusFailed, run.Status)
}

func TestBlockingFailurePausesRunUnderAllowDebt(t *testing.T) {
	s := New(Options{}, nil)
	runID, err := s.CreateRun("demo", dag.AllowDebt, linearGraph(t, dag.AllowDebt))
	require.NoError(t, err)
	require.NoError(t, s.Start(runID))

	run, _ := s.GetRun(runID)
	require.NoError(t, run.Graph.MarkRunning("a"))
	_, err = s.ApplyResult(runID, "a", dag.Failed(dag.Blocking, "boom"))
	require.NoError(t, err)

	run, _ = s.GetRun(runID)
	require.Equal(t, StatusPaused, run.Status)
}

func TestIgnorableFailureUnderAllowDebtReadiesDownstream(t *testing.T) {
	s := New(Options{}, nil)
	runID, err := s.CreateRun("demo", dag.AllowDebt, linearGraph(t, dag.AllowDebt))
	require.NoError(t, err)
	require.NoError(t, s.Start(runID))

	run, _ := s.GetRun(runID)
	require.NoError(t, run.Graph.MarkRunning("a"))
	_, err = s.ApplyResult(runID, "a", dag.Failed(dag.Ignorable, "meh"))
	require.NoError(t, err)

	id, ok, err := s.Next(runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", id)
}

func TestResolveDebtUnknownTaskErrors(t *testing.T) {
	s := New(Options{}, nil)
	runID, err := s.CreateRun("demo", dag.AllowDebt, linearGraph(t, dag.AllowDebt))
	require.NoError(t, err)
	require.NoError(t, s.Start(runID))

	_, err = s.ResolveDebt(runID, "ghost", true)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRunNotFound(t *testing.T) {
	s := New(Options{}, nil)
	_, err := s.GetRun("ghost")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestActiveRunTieBreak(t *testing.T) {
	s := New(Options{}, nil)
	id1, _ := s.CreateRun("one", dag.AllSuccess, linearGraph(t, dag.AllSuccess))
	id2, _ := s.CreateRun("two", dag.AllSuccess, linearGraph(t, dag.AllSuccess))
	require.NoError(t, s.Start(id1))
	require.NoError(t, s.Start(id2))

	active, ok := s.ActiveRun()
	require.True(t, ok)
	require.Contains(t, []string{id1, id2}, active.ID)
}

func TestNewWithoutPolicyBundleDirSkipsOPA(t *testing.T) {
	s := New(Options{}, nil)
	require.Nil(t, s.policyEval)
}

func TestNewWithInvalidPolicyBundleDirFallsBackToBuiltinSwitch(t *testing.T) {
	s := New(Options{PolicyBundleDir: t.TempDir()}, nil)
	require.Nil(t, s.policyEval)

	runID, err := s.CreateRun("demo", dag.AllSuccess, linearGraph(t, dag.AllSuccess))
	require.NoError(t, err)
	require.NoError(t, s.Start(runID))
	id, ok := <-s.runs[runID].Ready
	require.True(t, ok)
	require.NoError(t, s.runs[runID].Graph.MarkRunning(id))
	_, err = s.ApplyResult(runID, id, dag.Completed(nil))
	require.NoError(t, err)
	id, ok = <-s.runs[runID].Ready
	require.True(t, ok)
	require.NoError(t, s.runs[runID].Graph.MarkRunning(id))
	_, err = s.ApplyResult(runID, id, dag.Completed(nil))
	require.NoError(t, err)

	run, err := s.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status)
}
