// Package pool implements the Agent Pool component (spec §4.3): lifecycle,
// reuse, capacity, and health of external agent processes bound behind
// internal/runtime adapters. It is grounded on the teacher's resilience
// primitives (internal/resilience.CircuitBreaker, one per runtime type) and
// on persistence.go's pattern of a bbolt-backed shadow table for anything
// that needs to survive a restart — here, internal/store's sessions
// bucket.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/dagexec/internal/resilience"
	"github.com/swarmguard/dagexec/internal/runtime"
	"github.com/swarmguard/dagexec/internal/store"
)

var (
	ErrCapacityExceeded     = errors.New("pool: capacity exceeded")
	ErrRuntimeNotRegistered = errors.New("pool: runtime not registered")
	ErrAgentNotFound        = errors.New("pool: agent not found")
	ErrAgentUnhealthy       = errors.New("pool: agent unhealthy")
	ErrAcquisitionTimeout   = errors.New("pool: acquisition timeout")
)

// SessionStatus mirrors spec §3's Session.status enumeration.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionIdle     SessionStatus = "idle"
	SessionExpired  SessionStatus = "expired"
	SessionReleased SessionStatus = "released"
)

// Agent is the in-memory representation of a live external agent process
// (spec §3 "Agent").
type Agent struct {
	ID              string
	RuntimeType     runtime.Type
	Handle          runtime.Handle
	SessionID       string
	LastUsed        time.Time
	ContextUsed     int
	ContextCapacity int
	Healthy         bool
	BoundToTask     string // empty when unbound
	RetainOnRelease bool

	probeFailures int
}

// Config is the acquisition request (spec §4.3 acquire(config)).
type Config struct {
	RuntimeType  runtime.Type
	ReuseAgentID string
	ContextLimit int
}

// Options configures pool-wide policy knobs (spec §6 config table).
type Options struct {
	MaxAgents               int
	HealthCheckInterval     time.Duration
	UnhealthyThreshold      int
	AutoCleanup             bool
	IdleTimeout             time.Duration
	AcquisitionTimeout      time.Duration
	AcquisitionPollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxAgents <= 0 {
		o.MaxAgents = 10
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.UnhealthyThreshold <= 0 {
		o.UnhealthyThreshold = 2
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 300 * time.Second
	}
	if o.AcquisitionTimeout <= 0 {
		o.AcquisitionTimeout = 30 * time.Second
	}
	if o.AcquisitionPollInterval <= 0 {
		o.AcquisitionPollInterval = 25 * time.Millisecond
	}
}

// Pool owns every live Agent exclusively; the executor only ever holds a
// borrow for the duration of a task (spec §3 "Agent" ownership discipline).
type Pool struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	reserved int // slots claimed for an in-flight Spawn, not yet in agents
	registry *runtime.Registry
	breakers *resilience.PartitionedBreaker // keyed by runtime.Type, one breaker per runtime
	limiters map[runtime.Type]*resilience.RateLimiter
	opts     Options
	store    *store.Store // optional; nil disables session persistence

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool. st may be nil if session persistence is not desired
// (e.g. in tests).
func New(registry *runtime.Registry, opts Options, st *store.Store) *Pool {
	opts.setDefaults()
	return &Pool{
		agents:   make(map[string]*Agent),
		registry: registry,
		breakers: resilience.NewPartitionedBreaker(resilience.BreakerConfig{
			WindowSize:        time.Minute,
			Buckets:           6,
			MinSamples:        3,
			FailureRateOpen:   0.5,
			HalfOpenAfter:     15 * time.Second,
			MaxHalfOpenProbes: 1,
		}),
		limiters: make(map[runtime.Type]*resilience.RateLimiter),
		opts:     opts,
		store:    st,
	}
}

// RegisterRuntime wires an adapter into the registry. Its runtime type's
// circuit breaker is created lazily by the PartitionedBreaker on first use,
// so a flapping provider stops being offered for new acquisitions
// independently of the others (spec §4.3); the spawn rate limiter is still
// seeded here since RateLimiter has no equivalent lazy-partition wrapper,
// so a burst of concurrent acquisitions for an empty pool doesn't fork
// every external agent process in the same instant.
func (p *Pool) RegisterRuntime(a runtime.Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry.Register(a)
	p.limiters[a.Type()] = resilience.NewRateLimiter(3, 1, time.Minute, 30)
}

// Acquire implements the four-step policy of spec §4.3: explicit reuse,
// then idle-and-healthy reuse (oldest last-used first), then fresh spawn
// under the capacity bound, polling until AcquisitionTimeout elapses.
func (p *Pool) Acquire(ctx context.Context, cfg Config) (*Agent, error) {
	deadline := time.Now().Add(p.opts.AcquisitionTimeout)
	for {
		agent, err := p.tryAcquire(ctx, cfg)
		if err == nil {
			return agent, nil
		}
		if !errors.Is(err, ErrCapacityExceeded) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: after %s", ErrAcquisitionTimeout, p.opts.AcquisitionTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.AcquisitionPollInterval):
		}
	}
}

// tryAcquire implements spec §4.3's acquisition steps under the pool
// mutex only for selection and bookkeeping (steps 1-2, and reserving a
// capacity slot for step 3); adapter.Spawn itself — a potentially slow
// subprocess or network call — runs lock-free (spec §4.3/§5 "lock-free
// during agent creation"), with a brief re-lock afterward to either
// release the reservation on failure or install the new Agent on
// success.
func (p *Pool) tryAcquire(ctx context.Context, cfg Config) (*Agent, error) {
	p.mu.Lock()

	if cfg.ReuseAgentID != "" {
		a, ok := p.agents[cfg.ReuseAgentID]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, cfg.ReuseAgentID)
		}
		if !a.Healthy || a.BoundToTask != "" || !hasContextHeadroom(a, cfg.ContextLimit) {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAgentUnhealthy, cfg.ReuseAgentID)
		}
		a.BoundToTask = "bound"
		a.LastUsed = time.Now()
		p.mu.Unlock()
		p.persistSession(a, SessionActive)
		return a, nil
	}

	var candidate *Agent
	for _, a := range p.agents {
		if a.RuntimeType != cfg.RuntimeType || a.BoundToTask != "" || !a.Healthy {
			continue
		}
		if candidate == nil || a.LastUsed.Before(candidate.LastUsed) {
			candidate = a
		}
	}
	if candidate != nil {
		candidate.BoundToTask = "bound"
		candidate.LastUsed = time.Now()
		p.mu.Unlock()
		p.persistSession(candidate, SessionActive)
		return candidate, nil
	}

	adapter, ok := p.registry.Get(cfg.RuntimeType)
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRuntimeNotRegistered, cfg.RuntimeType)
	}
	if len(p.agents)+p.reserved >= p.opts.MaxAgents {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	if !p.breakers.Allow(string(cfg.RuntimeType)) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s circuit open", ErrAgentUnhealthy, cfg.RuntimeType)
	}
	if lim, ok := p.limiters[cfg.RuntimeType]; ok && !lim.Allow() {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	p.reserved++
	p.mu.Unlock()

	h, err := adapter.Spawn(ctx)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.breakers.RecordResult(string(cfg.RuntimeType), false)
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: spawning %s agent: %w", cfg.RuntimeType, err)
	}
	p.breakers.RecordResult(string(cfg.RuntimeType), true)

	a := &Agent{
		ID:              h.ID,
		RuntimeType:     cfg.RuntimeType,
		Handle:          h,
		SessionID:       uuid.NewString(),
		LastUsed:        time.Now(),
		ContextCapacity: cfg.ContextLimit,
		Healthy:         true,
		BoundToTask:     "bound",
	}
	p.agents[a.ID] = a
	p.mu.Unlock()
	p.persistSession(a, SessionActive)
	return a, nil
}

// Release implements spec §4.3's release policy: retain=true returns the
// agent to idle; retain=false shuts it down and removes it.
func (p *Pool) Release(ctx context.Context, agentID string, retain bool) error {
	p.mu.Lock()
	a, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if retain {
		a.BoundToTask = ""
		a.LastUsed = time.Now()
		p.persistSession(a, SessionIdle)
		p.mu.Unlock()
		return nil
	}
	adapter, hasAdapter := p.registry.Get(a.RuntimeType)
	delete(p.agents, agentID)
	p.mu.Unlock()

	p.persistSessionDeleted(agentID)
	if hasAdapter {
		if err := adapter.Shutdown(ctx, a.Handle); err != nil {
			return fmt.Errorf("pool: shutting down agent %s: %w", agentID, err)
		}
	}
	return nil
}

// Kill unconditionally shuts down and removes an agent, regardless of
// binding state (spec §4.3 kill(agent_id)).
func (p *Pool) Kill(ctx context.Context, agentID string) error {
	p.mu.Lock()
	a, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	adapter, hasAdapter := p.registry.Get(a.RuntimeType)
	delete(p.agents, agentID)
	p.mu.Unlock()

	p.persistSessionDeleted(agentID)
	if hasAdapter {
		return adapter.Shutdown(ctx, a.Handle)
	}
	return nil
}

// List returns a snapshot of every live agent, sorted by id.
func (p *Pool) List() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentCount returns the number of live (existing, not necessarily bound)
// agents, which is what MaxAgents bounds (spec §4.3 "Capacity accounting").
func (p *Pool) AgentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// hasContextHeadroom reports whether a's remaining context capacity exceeds
// the configured threshold (spec §4.3 acquisition step 1). A zero threshold
// or zero capacity (agent not yet context-tracked) imposes no limit.
func hasContextHeadroom(a *Agent, threshold int) bool {
	if threshold <= 0 || a.ContextCapacity <= 0 {
		return true
	}
	return a.ContextCapacity-a.ContextUsed > threshold
}

func (p *Pool) persistSession(a *Agent, status SessionStatus) {
	if p.store == nil {
		return
	}
	_ = p.store.SaveSession(store.SessionSnapshot{
		AgentID:     a.ID,
		RuntimeType: string(a.RuntimeType),
		State:       string(status),
		LastUsedAt:  a.LastUsed,
	})
}

func (p *Pool) persistSessionDeleted(agentID string) {
	if p.store == nil {
		return
	}
	_ = p.store.DeleteSession(agentID)
}

// StartHealthCheck launches the background probe loop (spec §4.3
// "Health-check loop"). Call StopHealthCheck (or cancel ctx) to stop it.
func (p *Pool) StartHealthCheck(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runHealthCheckPass(ctx)
			}
		}
	}()
}

// StopHealthCheck halts the background probe loop and waits for it to
// exit.
func (p *Pool) StopHealthCheck() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.stopCh = nil
}

func (p *Pool) runHealthCheckPass(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		snapshot = append(snapshot, a)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, a := range snapshot {
		adapter, ok := p.registry.Get(a.RuntimeType)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := adapter.Probe(probeCtx, a.Handle)
		cancel()

		p.mu.Lock()
		cur, stillPresent := p.agents[a.ID]
		if !stillPresent {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			cur.probeFailures++
			p.breakers.RecordResult(string(a.RuntimeType), false)
			if cur.probeFailures >= p.opts.UnhealthyThreshold {
				cur.Healthy = false
			}
		} else {
			cur.probeFailures = 0
			cur.Healthy = true
			p.breakers.RecordResult(string(a.RuntimeType), true)
		}
		shouldKillUnhealthy := !cur.Healthy
		shouldKillIdle := p.opts.AutoCleanup && cur.BoundToTask == "" && now.Sub(cur.LastUsed) > p.opts.IdleTimeout
		p.mu.Unlock()

		if shouldKillUnhealthy || shouldKillIdle {
			_ = p.Kill(ctx, a.ID)
		}
	}
}

// ShutdownAll stops health-checking and kills every live agent, used on
// process shutdown.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.StopHealthCheck()
	for _, a := range p.List() {
		if err := p.Kill(ctx, a.ID); err != nil {
			return err
		}
	}
	return nil
}
