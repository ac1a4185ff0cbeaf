package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "dagexec.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetRun(t *testing.T) {
	s := openTemp(t)
	snap := RunSnapshot{
		RunID:  "run-1",
		Name:   "demo",
		Policy: "all_success",
		Status: "running",
		Tasks: []TaskSnapshot{
			{ID: "a", Status: "completed"},
			{ID: "b", Status: "running", Attempts: 1},
		},
	}
	require.NoError(t, s.SaveRun(snap))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Name)
	require.Len(t, got.Tasks, 2)
}

func TestSaveRunArchivesPriorVersion(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.SaveRun(RunSnapshot{RunID: "run-1", Status: "running"}))
	require.NoError(t, s.SaveRun(RunSnapshot{RunID: "run-1", Status: "completed"}))

	versions, err := s.GetRunVersions("run-1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "running", versions[0].Status)

	cur, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, "completed", cur.Status)
}

func TestHydrateResetsRunningTasks(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.SaveRun(RunSnapshot{
		RunID:  "run-1",
		Status: "running",
		Tasks: []TaskSnapshot{
			{ID: "a", Status: "completed"},
			{ID: "b", Status: "running", Attempts: 1},
		},
	}))

	touched, err := s.Hydrate()
	require.NoError(t, err)
	require.Equal(t, []string{"run-1"}, touched)

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, "completed", got.Tasks[0].Status)
	require.Equal(t, "ready", got.Tasks[1].Status)
	require.Equal(t, 2, got.Tasks[1].Attempts)
}

func TestDebtLifecycle(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.SaveDebt(DebtSnapshot{ID: "d1", TaskID: "t1", RunID: "run-1", FailureKind: "ignorable"}))
	require.NoError(t, s.SaveDebt(DebtSnapshot{ID: "d2", TaskID: "t2", RunID: "run-2", FailureKind: "ignorable"}))

	onlyRun1, err := s.ListDebts("run-1", false)
	require.NoError(t, err)
	require.Len(t, onlyRun1, 1)

	everything, err := s.ListDebts("", true)
	require.NoError(t, err)
	require.Len(t, everything, 2)

	require.NoError(t, s.ResolveDebt("run-1", "d1"))
	d, err := s.GetDebt("run-1", "d1")
	require.NoError(t, err)
	require.True(t, d.Resolved)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.SaveSession(SessionSnapshot{AgentID: "agent-1", RuntimeType: "claude", State: "idle"}))
	sess, err := s.GetSession("agent-1")
	require.NoError(t, err)
	require.Equal(t, "claude", sess.RuntimeType)

	require.NoError(t, s.DeleteSession("agent-1"))
	_, err = s.GetSession("agent-1")
	require.Error(t, err)
}

func TestIsHealthy(t *testing.T) {
	s := openTemp(t)
	require.True(t, s.IsHealthy())
}
