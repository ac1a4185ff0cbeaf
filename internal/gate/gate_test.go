package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/dagexec/internal/dag"
)

func TestConfirmedApproveResolvesWait(t *testing.T) {
	g := New(nil, Options{})
	req := g.Submit("task-1", "run-1", dag.Confirmed(), SourceAPI)

	done := make(chan Result, 1)
	go func() {
		res, err := g.Wait(context.Background(), req.ID)
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	ok, err := g.Approve(req.ID, "alice", "")
	require.NoError(t, err)
	require.True(t, ok)

	res := <-done
	require.Equal(t, StatusApproved, res.Status)
}

func TestReApprovalIsNoOp(t *testing.T) {
	g := New(nil, Options{})
	req := g.Submit("task-1", "run-1", dag.Confirmed(), SourceAPI)
	ok, err := g.Approve(req.ID, "alice", "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Approve(req.ID, "bob", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecommendedTimeoutAppliesDefaultAction(t *testing.T) {
	g := New(nil, Options{})
	req := g.Submit("task-1", "run-1", dag.Recommended(dag.ActionSkip, 0), SourceSystem)

	res, err := g.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, dag.ActionSkip, res.DefaultAction)
}

func TestArbitratedRequiresAllStakeholders(t *testing.T) {
	g := New(nil, Options{})
	req := g.Submit("task-1", "run-1", dag.Arbitrated([]string{"alice", "bob"}), SourceAPI)

	ok, err := g.Approve(req.ID, "alice", "")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := g.Get(req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	ok, err = g.Approve(req.ID, "bob", "")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = g.Get(req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
}

func TestArbitratedRejectsUnknownPrincipal(t *testing.T) {
	g := New(nil, Options{})
	req := g.Submit("task-1", "run-1", dag.Arbitrated([]string{"alice"}), SourceAPI)
	_, err := g.Approve(req.ID, "mallory", "")
	require.ErrorIs(t, err, ErrUnknownPrincipal)
}

func TestRejectTerminatesRequest(t *testing.T) {
	g := New(nil, Options{})
	req := g.Submit("task-1", "run-1", dag.Confirmed(), SourceAPI)
	ok, err := g.Reject(req.ID, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := g.Get(req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)
}

func TestCleanupExpiresStalePending(t *testing.T) {
	g := New(nil, Options{})
	req := g.Submit("task-1", "run-1", dag.Recommended(dag.ActionAbort, 0), SourceSystem)
	time.Sleep(5 * time.Millisecond)
	g.Cleanup()

	got, err := g.Get(req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
}
