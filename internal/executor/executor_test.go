package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/dagexec/internal/dag"
	"github.com/swarmguard/dagexec/internal/gate"
	"github.com/swarmguard/dagexec/internal/pool"
	"github.com/swarmguard/dagexec/internal/runtime"
	"github.com/swarmguard/dagexec/internal/scheduler"
)

type scriptedAdapter struct {
	t         runtime.Type
	fail      map[string]bool // command -> should fail once then succeed
	failCount map[string]int
}

func newScriptedAdapter(t runtime.Type) *scriptedAdapter {
	return &scriptedAdapter{t: t, fail: make(map[string]bool), failCount: make(map[string]int)}
}

func (a *scriptedAdapter) Type() runtime.Type { return a.t }
func (a *scriptedAdapter) Spawn(ctx context.Context) (runtime.Handle, error) {
	return runtime.Handle{ID: "h-" + a.t.CommandName() + time.Now().Format("150405.000000000"), RuntimeType: a.t}, nil
}
func (a *scriptedAdapter) Dispatch(ctx context.Context, h runtime.Handle, req runtime.DispatchRequest) (runtime.DispatchResult, error) {
	if a.fail[req.Command] && a.failCount[req.Command] == 0 {
		a.failCount[req.Command]++
		return runtime.DispatchResult{Success: false, Err: "transient failure"}, nil
	}
	if a.fail[req.Command] {
		return runtime.DispatchResult{Success: false, Err: "persistent failure"}, nil
	}
	return runtime.DispatchResult{Success: true, Output: "done:" + req.Command}, nil
}
func (a *scriptedAdapter) Probe(ctx context.Context, h runtime.Handle) error    { return nil }
func (a *scriptedAdapter) Shutdown(ctx context.Context, h runtime.Handle) error { return nil }

func newTestExecutor(t *testing.T) (*Executor, *scriptedAdapter) {
	t.Helper()
	registry := runtime.NewRegistry()
	adapter := newScriptedAdapter(runtime.TypeClaude)
	registry.Register(adapter)

	pl := pool.New(registry, pool.Options{MaxAgents: 4, AcquisitionTimeout: time.Second}, nil)
	pl.RegisterRuntime(adapter)

	sched := scheduler.New(scheduler.Options{}, nil)
	gt := gate.New(nil, gate.Options{ConfirmedTimeout: 50 * time.Millisecond, ArbitratedTimeout: 50 * time.Millisecond})

	exec := New(sched, pl, gt, registry, nil, nil, nil, nil)
	return exec, adapter
}

func taskWithSkill(id string, deps []string, level dag.DecisionLevel) dag.Task {
	return dag.Task{
		ID:           id,
		Skill:        dag.SkillRef{Name: "noop", Method: "run"},
		Dependencies: deps,
		Level:        level,
	}
}

func TestExecuteLinearMechanicalDAG(t *testing.T) {
	exec, _ := newTestExecutor(t)
	g := dag.New(nil, dag.AllSuccess)
	require.NoError(t, g.AddNode(taskWithSkill("a", nil, dag.Mechanical(0))))
	require.NoError(t, g.AddNode(taskWithSkill("b", []string{"a"}, dag.Mechanical(0))))

	runID, err := exec.CreateRun("linear", dag.AllSuccess, g)
	require.NoError(t, err)

	report, err := exec.Execute(context.Background(), runID, Config{RuntimeType: runtime.TypeClaude, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	require.Equal(t, "success", report.Status)
	require.Equal(t, 2, report.Completed)
	require.Equal(t, []byte("done:noop.run"), report.Outputs["a"])
}

func TestExecuteFanOutParallel(t *testing.T) {
	exec, _ := newTestExecutor(t)
	g := dag.New(nil, dag.AllSuccess)
	require.NoError(t, g.AddNode(taskWithSkill("root", nil, dag.Mechanical(0))))
	require.NoError(t, g.AddNode(taskWithSkill("left", []string{"root"}, dag.Mechanical(0))))
	require.NoError(t, g.AddNode(taskWithSkill("right", []string{"root"}, dag.Mechanical(0))))
	require.NoError(t, g.AddNode(taskWithSkill("join", []string{"left", "right"}, dag.Mechanical(0))))

	runID, err := exec.CreateRun("fanout", dag.AllSuccess, g)
	require.NoError(t, err)

	report, err := exec.Execute(context.Background(), runID, Config{RuntimeType: runtime.TypeClaude, MaxConcurrentTasks: 4})
	require.NoError(t, err)
	require.Equal(t, "success", report.Status)
	require.Equal(t, 4, report.Completed)
}

func TestExecuteBlockingFailureFailsRun(t *testing.T) {
	exec, adapter := newTestExecutor(t)
	adapter.fail["noop.run"] = true
	adapter.failCount["noop.run"] = 1 // always fails

	g := dag.New(nil, dag.AllSuccess)
	require.NoError(t, g.AddNode(taskWithSkill("a", nil, dag.Mechanical(0))))
	require.NoError(t, g.AddNode(taskWithSkill("b", []string{"a"}, dag.Mechanical(0))))

	runID, err := exec.CreateRun("blocking", dag.AllSuccess, g)
	require.NoError(t, err)

	report, err := exec.Execute(context.Background(), runID, Config{RuntimeType: runtime.TypeClaude, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	require.Equal(t, "failed", report.Status)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Skipped)
	require.Len(t, report.Debts, 1, "only the directly-failed task gets a Debt; the transitively-skipped dependent does not")
}

func TestExecuteIgnorableFailureUnderAllowDebtStillRunsDependents(t *testing.T) {
	exec, adapter := newTestExecutor(t)
	adapter.fail["noop.run"] = true
	adapter.failCount["noop.run"] = 1 // always fails for task "a"'s command

	g := dag.New(nil, dag.AllowDebt)
	a := taskWithSkill("a", nil, dag.Mechanical(0))
	a.IgnoreOnFailure = true
	require.NoError(t, g.AddNode(a))
	b := dag.Task{ID: "b", Skill: dag.SkillRef{Name: "other", Method: "run"}, Dependencies: []string{"a"}, Level: dag.Mechanical(0)}
	require.NoError(t, g.AddNode(b))

	runID, err := exec.CreateRun("ignorable", dag.AllowDebt, g)
	require.NoError(t, err)

	report, err := exec.Execute(context.Background(), runID, Config{RuntimeType: runtime.TypeClaude, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	require.Equal(t, "partial", report.Status)
	require.Equal(t, 1, report.Completed, "b should still run under AllowDebt")
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Debts, 1)
	require.Equal(t, dag.Ignorable, report.Debts[0].FailureKind)
}

func TestExecuteConfirmedLevelTimesOutAndSkips(t *testing.T) {
	exec, _ := newTestExecutor(t)
	g := dag.New(nil, dag.AllSuccess)
	require.NoError(t, g.AddNode(taskWithSkill("approve-me", nil, dag.Confirmed())))

	runID, err := exec.CreateRun("confirm-timeout", dag.AllSuccess, g)
	require.NoError(t, err)

	report, err := exec.Execute(context.Background(), runID, Config{RuntimeType: runtime.TypeClaude, MaxConcurrentTasks: 1})
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Len(t, report.Debts, 1)
	require.Equal(t, dag.Ignorable, report.Debts[0].FailureKind)
}

func TestResolveDebtResumesDownstreamAfterExecute(t *testing.T) {
	exec, adapter := newTestExecutor(t)
	adapter.fail["noop.run"] = true
	adapter.failCount["noop.run"] = 1

	g := dag.New(nil, dag.AllowDebt)
	require.NoError(t, g.AddNode(taskWithSkill("a", nil, dag.Mechanical(0))))
	require.NoError(t, g.AddNode(taskWithSkill("b", []string{"a"}, dag.Mechanical(0))))

	runID, err := exec.CreateRun("resume", dag.AllowDebt, g)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), runID, Config{RuntimeType: runtime.TypeClaude, MaxConcurrentTasks: 2})
	require.NoError(t, err)

	status, err := exec.GetRunStatus(runID)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusPaused, status)

	newly, err := exec.sched.ResolveDebt(runID, "a", true)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, newly)
}
