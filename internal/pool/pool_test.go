package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/dagexec/internal/runtime"
)

type countingAdapter struct {
	t        runtime.Type
	spawns   int
	probeErr error
}

func (a *countingAdapter) Type() runtime.Type { return a.t }
func (a *countingAdapter) Spawn(ctx context.Context) (runtime.Handle, error) {
	a.spawns++
	return runtime.Handle{ID: "agent-" + time.Now().String(), RuntimeType: a.t}, nil
}
func (a *countingAdapter) Dispatch(ctx context.Context, h runtime.Handle, req runtime.DispatchRequest) (runtime.DispatchResult, error) {
	return runtime.DispatchResult{Success: true}, nil
}
func (a *countingAdapter) Probe(ctx context.Context, h runtime.Handle) error { return a.probeErr }
func (a *countingAdapter) Shutdown(ctx context.Context, h runtime.Handle) error { return nil }

func newTestPool(t *testing.T, maxAgents int) (*Pool, *countingAdapter) {
	t.Helper()
	reg := runtime.NewRegistry()
	adapter := &countingAdapter{t: runtime.TypeClaude}
	p := New(reg, Options{MaxAgents: maxAgents, AcquisitionTimeout: 200 * time.Millisecond, AcquisitionPollInterval: 5 * time.Millisecond}, nil)
	p.RegisterRuntime(adapter)
	return p, adapter
}

func TestAcquireSpawnsNewAgent(t *testing.T) {
	p, adapter := newTestPool(t, 2)
	a, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.Equal(t, 1, adapter.spawns)
	require.Equal(t, 1, p.AgentCount())
}

func TestAcquireReleaseReuse(t *testing.T) {
	p, adapter := newTestPool(t, 2)
	a, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), a.ID, true))

	reused, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.NoError(t, err)
	require.Equal(t, a.ID, reused.ID)
	require.Equal(t, 1, adapter.spawns, "reuse should not spawn a second agent")
}

func TestAcquireByReuseID(t *testing.T) {
	p, _ := newTestPool(t, 2)
	a, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), a.ID, true))

	reused, err := p.Acquire(context.Background(), Config{ReuseAgentID: a.ID})
	require.NoError(t, err)
	require.Equal(t, a.ID, reused.ID)
}

func TestAcquireReuseUnknownID(t *testing.T) {
	p, _ := newTestPool(t, 2)
	_, err := p.Acquire(context.Background(), Config{ReuseAgentID: "ghost"})
	require.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestAcquireCapacityExceededTimesOut(t *testing.T) {
	p, _ := newTestPool(t, 1)
	_, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.True(t, errors.Is(err, ErrAcquisitionTimeout))
}

func TestAcquireRuntimeNotRegistered(t *testing.T) {
	p, _ := newTestPool(t, 2)
	_, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeKimi})
	require.True(t, errors.Is(err, ErrRuntimeNotRegistered))
}

func TestKillRemovesAgent(t *testing.T) {
	p, _ := newTestPool(t, 2)
	a, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.NoError(t, err)
	require.NoError(t, p.Kill(context.Background(), a.ID))
	require.Equal(t, 0, p.AgentCount())
}

func TestHealthCheckKillsUnhealthyAgent(t *testing.T) {
	reg := runtime.NewRegistry()
	adapter := &countingAdapter{t: runtime.TypeClaude, probeErr: errors.New("down")}
	p := New(reg, Options{MaxAgents: 2, UnhealthyThreshold: 1, HealthCheckInterval: 10 * time.Millisecond}, nil)
	p.RegisterRuntime(adapter)

	a, err := p.Acquire(context.Background(), Config{RuntimeType: runtime.TypeClaude})
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), a.ID, true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartHealthCheck(ctx)
	require.Eventually(t, func() bool {
		return p.AgentCount() == 0
	}, time.Second, 5*time.Millisecond)
	p.StopHealthCheck()
}
