// Package executor implements the Executor component (spec §4.6): the
// bounded worker pool that pulls ready tasks off a Run's channel, consults
// the Decision Gate, acquires and dispatches agents, and feeds outcomes
// back into the Scheduler. It is grounded on the teacher's
// services/orchestrator worker-pool pattern, generalized to
// golang.org/x/sync's errgroup + semaphore.Weighted per spec §5's
// "parallel, multi-threaded, cooperative suspension" model.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/dagexec/internal/dag"
	"github.com/swarmguard/dagexec/internal/gate"
	"github.com/swarmguard/dagexec/internal/natsbus"
	"github.com/swarmguard/dagexec/internal/pool"
	"github.com/swarmguard/dagexec/internal/resilience"
	"github.com/swarmguard/dagexec/internal/runtime"
	"github.com/swarmguard/dagexec/internal/scheduler"
)

// SkillResolver resolves a skill reference to a runtime-neutral command
// string (spec §6 "Skill invocation"). Params is passed through opaque to
// the registry, so it is not modeled here beyond the raw bytes the task
// was defined with.
type SkillResolver interface {
	Resolve(ctx context.Context, skill dag.SkillRef) (command string, err error)
}

// ContextProvider is the optional memory/vector-store collaborator (spec
// §6), consulted only when Config.EnableContextInjection is set.
type ContextProvider interface {
	Search(ctx context.Context, query string, limit int, threshold float64) (map[string]any, error)
}

// Config is the executor's flat configuration struct (spec §9 "Dynamic
// config... flat struct with explicit fields and documented defaults").
type Config struct {
	RuntimeType            runtime.Type
	MaxConcurrentTasks     int
	TaskTimeout            time.Duration
	AutoCleanup            bool
	EnableContextInjection bool
	HardCancel             bool
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
}

// Report is produced on run termination (spec §4.6, §6 "Persisted report").
type Report struct {
	RunID      string
	Status     string // "success", "partial", "failed", "cancelled"
	Completed  int
	Failed     int
	Skipped    int
	Outputs    map[string][]byte
	Durations  map[string]time.Duration
	Debts      []dag.Debt
	AgentUsage map[string]int // runtime type -> dispatch count
}

// Stats is the tuple returned by get_run_stats (spec §4.6).
type Stats struct {
	Completed, Failed, Skipped int
}

// Executor binds the Scheduler, Pool, Decision Gate, and Runtime Registry
// (spec §4.6 "MultiAgentDagExecutor::new(scheduler, pool, config)").
type Executor struct {
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	gate     *gate.Gate
	registry *runtime.Registry
	bus      *natsbus.Bus
	skills   SkillResolver
	memory   ContextProvider
	logger   *slog.Logger

	mu       sync.Mutex
	commands map[string]map[string]string // runID -> taskID -> command override
	usage    map[string]map[string]int    // runID -> runtimeType -> count
}

func New(sched *scheduler.Scheduler, pl *pool.Pool, gt *gate.Gate, registry *runtime.Registry, bus *natsbus.Bus, skills SkillResolver, memory ContextProvider, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		sched:    sched,
		pool:     pl,
		gate:     gt,
		registry: registry,
		bus:      bus,
		skills:   skills,
		memory:   memory,
		logger:   logger,
		commands: make(map[string]map[string]string),
		usage:    make(map[string]map[string]int),
	}
}

// CreateRun wraps scheduler.CreateRun (spec §4.6 create_run).
func (e *Executor) CreateRun(name string, policy dag.Policy, graph *dag.DAG) (string, error) {
	return e.sched.CreateRun(name, policy, graph)
}

// CreateRunWithCommands additionally registers a per-task command override
// map, consulted ahead of skill-derived commands during dispatch (spec
// §4.6 create_run_with_commands).
func (e *Executor) CreateRunWithCommands(name string, policy dag.Policy, graph *dag.DAG, commands map[string]string) (string, error) {
	runID, err := e.sched.CreateRun(name, policy, graph)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.commands[runID] = commands
	e.mu.Unlock()
	return runID, nil
}

// Execute drives a run to termination and returns its Report (spec §4.6
// execute(run_id)). ctx cancellation is honored per Config.HardCancel: soft
// cancellation (the default) stops admitting new tasks but lets in-flight
// ones finish on their own context; hard cancellation additionally applies
// Failed(Blocking, "cancelled") to any task still pulled off the channel.
func (e *Executor) Execute(ctx context.Context, runID string, cfg Config) (Report, error) {
	cfg.setDefaults()

	if err := e.sched.Start(runID); err != nil {
		return Report{}, fmt.Errorf("executor: starting run %s: %w", runID, err)
	}

	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks))
	g, gctx := errgroup.WithContext(ctx)

	// Soft cancellation detaches dispatched work from ctx so cancelling the
	// caller stops admission without tearing down in-flight tasks; under
	// HardCancel the tasks run on ctx itself and are cancelled with it.
	taskCtx := ctx
	if !cfg.HardCancel {
		taskCtx = context.WithoutCancel(ctx)
	}

	var cancelledMu sync.Mutex
	cancelled := false

	for {
		taskID, ok, err := e.sched.Next(runID)
		if err != nil {
			return Report{}, err
		}
		if !ok {
			break
		}

		select {
		case <-ctx.Done():
			cancelledMu.Lock()
			cancelled = true
			cancelledMu.Unlock()
			if cfg.HardCancel {
				_, _ = e.sched.ApplyResult(runID, taskID, dag.Failed(dag.Blocking, "cancelled"))
				continue
			}
		default:
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		id := taskID
		g.Go(func() (workErr error) {
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("task worker panicked", "run_id", runID, "task_id", id, "panic", r)
					_, applyErr := e.sched.ApplyResult(runID, id, dag.Failed(dag.Blocking, fmt.Sprintf("panic: %v", r)))
					workErr = applyErr
				}
			}()
			// Use taskCtx, not gctx, so a soft cancellation of the admission
			// loop doesn't also tear down work already dispatched.
			return e.runTask(taskCtx, runID, id, cfg)
		})
	}

	werr := g.Wait()

	report, rerr := e.buildReport(runID)
	if rerr != nil {
		return report, rerr
	}

	cancelledMu.Lock()
	wasCancelled := cancelled
	cancelledMu.Unlock()
	if wasCancelled {
		report.Status = "cancelled"
	}

	if e.bus != nil {
		_ = e.bus.Publish(context.Background(), natsbus.SubjectReportReady, report)
	}
	if werr != nil {
		return report, werr
	}
	return report, nil
}

// runTask implements one iteration of the worker loop (spec §4.6 step 3).
func (e *Executor) runTask(ctx context.Context, runID, taskID string, cfg Config) error {
	run, err := e.sched.GetRun(runID)
	if err != nil {
		return err
	}
	view, err := run.Graph.View(taskID)
	if err != nil {
		return err
	}
	task := view.Task

	if task.Level.Kind != dag.LevelMechanical {
		// Non-Mechanical tasks go straight from Ready to AwaitingConfirmation
		// (spec §3): the gate is consulted before the node is ever counted as
		// running.
		if err := run.Graph.MarkAwaitingConfirmation(taskID); err != nil {
			return fmt.Errorf("executor: marking %s awaiting confirmation: %w", taskID, err)
		}
		outcome, decided := e.consultGate(ctx, runID, taskID, task)
		if decided {
			err := e.applyResultWithRetry(ctx, runID, taskID, outcome)
			e.publishDebtCreated(runID, taskID, outcome)
			return err
		}
		// Approved: the node returns to Ready (spec §3 "AwaitingConfirmation
		// transitions back to Ready on approval") before the single
		// Ready->Running transition below starts the actual dispatch.
		if err := run.Graph.MarkReadyAfterApproval(taskID); err != nil {
			return fmt.Errorf("executor: marking %s ready after approval: %w", taskID, err)
		}
	}

	if err := run.Graph.MarkRunning(taskID); err != nil {
		return fmt.Errorf("executor: marking %s running: %w", taskID, err)
	}

	outcome := e.dispatchWithRetry(ctx, runID, taskID, task, cfg)
	err = e.applyResultWithRetry(ctx, runID, taskID, outcome)
	e.publishDebtCreated(runID, taskID, outcome)
	return err
}

// applyResultWithRetry calls Scheduler.ApplyResult, retrying on
// ErrReadyOverflow (spec §5 Backpressure: the scheduler's 50ms-bounded
// Ready-channel push is a retriable condition, not a terminal one for
// the task outcome it's reporting) via resilience.RetryIf, so a push that's
// still blocked after 6 jittered attempts surfaces as a real error instead
// of silently dropping the outcome.
func (e *Executor) applyResultWithRetry(ctx context.Context, runID, taskID string, outcome dag.Outcome) error {
	_, err := resilience.RetryIf(ctx, 6, 20*time.Millisecond, 200*time.Millisecond,
		func(err error) bool { return errors.Is(err, scheduler.ErrReadyOverflow) },
		func(attempt int) (struct{}, error) {
			_, err := e.sched.ApplyResult(runID, taskID, outcome)
			return struct{}{}, err
		})
	return err
}

// publishDebtCreated announces an Ignorable failure/skip as a new debt on
// the bus (spec §4.1's AllowDebt bookkeeping), the creation-side
// counterpart to SubjectReportReady's already-wired completion
// announcement.
func (e *Executor) publishDebtCreated(runID, taskID string, outcome dag.Outcome) {
	if e.bus == nil {
		return
	}
	if outcome.FailureKind != dag.Ignorable {
		return
	}
	if outcome.Kind != dag.OutcomeFailed && outcome.Kind != dag.OutcomeSkipped {
		return
	}
	_ = e.bus.Publish(context.Background(), natsbus.SubjectDebtCreated, map[string]string{
		"run_id":  runID,
		"task_id": taskID,
		"reason":  outcome.Message,
	})
}

// consultGate submits a DecisionRequest for non-Mechanical tasks and waits
// for its resolution. The second return value is true when the gate's
// outcome is terminal (Rejected, or a timeout that isn't Recommended's
// Execute default) and the caller should apply outcome without dispatching;
// false means the gate cleared the task for dispatch.
func (e *Executor) consultGate(ctx context.Context, runID, taskID string, task dag.Task) (dag.Outcome, bool) {
	req := e.gate.Submit(taskID, runID, task.Level, gate.SourceSystem)
	res, err := e.gate.Wait(ctx, req.ID)
	if err != nil {
		return dag.Failed(dag.Blocking, fmt.Sprintf("decision gate wait cancelled: %v", err)), true
	}

	switch res.Status {
	case gate.StatusApproved:
		return dag.Outcome{}, false
	case gate.StatusRejected:
		return dag.Skipped(dag.Ignorable, "decision rejected"), true
	case gate.StatusExpired:
		return e.onGateTimeout(task)
	default:
		return dag.Skipped(dag.Blocking, "decision gate in unexpected state"), true
	}
}

// onGateTimeout applies spec §4.4's per-level default-action rule for an
// expired gate. A Recommended task whose default action is Execute proceeds
// to dispatch as if approved; every other case terminates the task.
func (e *Executor) onGateTimeout(task dag.Task) (dag.Outcome, bool) {
	switch task.Level.Kind {
	case dag.LevelRecommended:
		switch task.Level.DefaultAction {
		case dag.ActionExecute:
			return dag.Outcome{}, false
		case dag.ActionAbort:
			return dag.Failed(dag.Blocking, "recommended decision timed out: abort"), true
		default:
			return dag.Skipped(dag.Ignorable, "recommended decision timed out: skip"), true
		}
	case dag.LevelArbitrated:
		return dag.Skipped(dag.Blocking, "arbitration quorum not met before timeout"), true
	default: // Confirmed
		return dag.Skipped(dag.Ignorable, "confirmation timed out"), true
	}
}

// dispatchWithRetry acquires an agent, dispatches the task, and retries up
// to max(task.Level.Retry, task.MaxRetries) times (Level.Retry counts only
// for Mechanical-level tasks) with jittered exponential backoff (spec §4.6
// "base 200ms, cap 5s").
func (e *Executor) dispatchWithRetry(ctx context.Context, runID, taskID string, task dag.Task, cfg Config) dag.Outcome {
	maxAttempts := 1
	if task.Level.Kind == dag.LevelMechanical {
		maxAttempts = task.Level.Retry + 1
	}
	if task.MaxRetries+1 > maxAttempts {
		maxAttempts = task.MaxRetries + 1
	}

	output, err := resilience.Retry(ctx, maxAttempts, 200*time.Millisecond, 5*time.Second, func(attempt int) ([]byte, error) {
		return e.dispatchOnce(ctx, runID, taskID, task, cfg)
	})
	if err != nil {
		kind := dag.Blocking
		if task.IgnoreOnFailure {
			kind = dag.Ignorable
		}
		msg := err.Error()
		// Rollback runs on Blocking failures of idempotent tasks that carry
		// a rollback plan, and never on Ignorable ones (spec §9 open
		// question): a Blocking outcome is
		// about to skip every downstream task, so any partial effect this
		// task left behind must be undone before those dependents are even
		// considered admitted.
		if kind == dag.Blocking && task.Idempotent && len(task.Rollback) > 0 {
			if rbErr := e.runRollback(ctx, runID, taskID, task, cfg); rbErr != nil {
				msg = fmt.Sprintf("%s (rollback failed: %v)", msg, rbErr)
			}
		}
		return dag.Failed(kind, msg)
	}
	return dag.Completed(output)
}

// runRollback dispatches a task's rollback command list, in order, to a
// freshly acquired agent. It stops at the first failing command and returns
// that error; the caller attaches it as a secondary error on the original
// Failed outcome (spec §4.1 "Rollback failures attach a secondary error to
// the original outcome but do not themselves create debts").
func (e *Executor) runRollback(ctx context.Context, runID, taskID string, task dag.Task, cfg Config) error {
	agent, err := e.pool.Acquire(ctx, pool.Config{RuntimeType: cfg.RuntimeType})
	if err != nil {
		return fmt.Errorf("acquiring rollback agent: %w", err)
	}
	defer func() { _ = e.pool.Release(ctx, agent.ID, !cfg.AutoCleanup) }()

	adapter, ok := e.registry.Get(agent.RuntimeType)
	if !ok {
		return fmt.Errorf("no adapter registered for runtime %s", agent.RuntimeType)
	}
	for i, cmd := range task.Rollback {
		dctx, cancel := context.WithTimeout(ctx, firstNonZero(task.Timeout, cfg.TaskTimeout))
		result, err := adapter.Dispatch(dctx, agent.Handle, runtime.DispatchRequest{Command: cmd})
		cancel()
		if err != nil {
			return fmt.Errorf("rollback step %d/%d: %w", i+1, len(task.Rollback), err)
		}
		if !result.Success {
			return fmt.Errorf("rollback step %d/%d: %s", i+1, len(task.Rollback), result.Err)
		}
	}
	e.logger.Info("rollback completed", "run_id", runID, "task_id", taskID, "steps", len(task.Rollback))
	return nil
}

// dispatchOnce performs a single acquire-dispatch-release cycle. A non-nil
// error signals a retryable attempt to resilience.Retry's caller; it never
// distinguishes retryable from terminal errors itself, since that
// distinction belongs to the Mechanical retry count, not to this method.
func (e *Executor) dispatchOnce(ctx context.Context, runID, taskID string, task dag.Task, cfg Config) ([]byte, error) {
	reuseID := e.reuseAgentID(runID, taskID)
	agent, err := e.pool.Acquire(ctx, pool.Config{RuntimeType: cfg.RuntimeType, ReuseAgentID: reuseID})
	if err != nil {
		return nil, fmt.Errorf("acquiring agent: %w", err)
	}

	command, err := e.resolveCommand(ctx, runID, taskID, task)
	if err != nil {
		_ = e.pool.Release(ctx, agent.ID, !cfg.AutoCleanup)
		return nil, fmt.Errorf("resolving command: %w", err)
	}

	adapter, ok := e.registry.Get(agent.RuntimeType)
	if !ok {
		_ = e.pool.Release(ctx, agent.ID, !cfg.AutoCleanup)
		return nil, fmt.Errorf("no adapter registered for runtime %s", agent.RuntimeType)
	}

	timeout := firstNonZero(task.Timeout, cfg.TaskTimeout)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dispatchContext map[string]any
	if cfg.EnableContextInjection && e.memory != nil {
		dispatchContext, _ = e.memory.Search(dctx, command, 5, 0.5)
	}

	e.recordUsage(runID, string(agent.RuntimeType))
	result, dispatchErr := adapter.Dispatch(dctx, agent.Handle, runtime.DispatchRequest{
		Command: command,
		Context: dispatchContext,
		Timeout: timeout,
	})
	_ = e.pool.Release(ctx, agent.ID, !cfg.AutoCleanup)

	if dispatchErr != nil {
		return nil, fmt.Errorf("dispatching: %w", dispatchErr)
	}
	if !result.Success {
		return nil, errors.New(result.Err)
	}
	return []byte(result.Output), nil
}

// reuseAgentID reads a per-task agent-pinning override out of the same
// command-override map used for skill resolution, keyed by a reserved
// "__agent" suffix so both concerns share one map without a new field
// threading through CreateRunWithCommands.
func (e *Executor) reuseAgentID(runID, taskID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commands[runID][taskID+"__agent"]
}

func (e *Executor) resolveCommand(ctx context.Context, runID, taskID string, task dag.Task) (string, error) {
	e.mu.Lock()
	override, ok := e.commands[runID][taskID]
	e.mu.Unlock()
	if ok && override != "" {
		return override, nil
	}
	if e.skills != nil {
		return e.skills.Resolve(ctx, task.Skill)
	}
	return fmt.Sprintf("%s.%s", task.Skill.Name, task.Skill.Method), nil
}

func (e *Executor) recordUsage(runID, runtimeType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usage[runID] == nil {
		e.usage[runID] = make(map[string]int)
	}
	e.usage[runID][runtimeType]++
}

// GetRunStatus returns the run's current Status (spec §4.6 get_run_status).
func (e *Executor) GetRunStatus(runID string) (scheduler.Status, error) {
	run, err := e.sched.GetRun(runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// GetRunStats returns (completed, failed, skipped) counts (spec §4.6
// get_run_stats).
func (e *Executor) GetRunStats(runID string) (Stats, error) {
	run, err := e.sched.GetRun(runID)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, v := range run.Graph.AllViews() {
		switch v.Status {
		case dag.StatusCompleted:
			s.Completed++
		case dag.StatusFailed:
			s.Failed++
		case dag.StatusSkipped:
			s.Skipped++
		}
	}
	return s, nil
}

func (e *Executor) buildReport(runID string) (Report, error) {
	run, err := e.sched.GetRun(runID)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		RunID:      runID,
		Outputs:    make(map[string][]byte),
		Durations:  make(map[string]time.Duration),
		AgentUsage: make(map[string]int),
	}
	for _, v := range run.Graph.AllViews() {
		switch v.Status {
		case dag.StatusCompleted:
			report.Completed++
			report.Outputs[v.Task.ID] = v.Output
		case dag.StatusFailed:
			report.Failed++
		case dag.StatusSkipped:
			report.Skipped++
		}
		if !v.StartedAt.IsZero() && !v.EndedAt.IsZero() {
			report.Durations[v.Task.ID] = v.EndedAt.Sub(v.StartedAt)
		}
	}
	for _, d := range run.Debts {
		if !d.Resolved {
			report.Debts = append(report.Debts, *d)
		}
	}
	sort.Slice(report.Debts, func(i, j int) bool { return report.Debts[i].TaskID < report.Debts[j].TaskID })

	e.mu.Lock()
	for rt, count := range e.usage[runID] {
		report.AgentUsage[rt] = count
	}
	e.mu.Unlock()

	switch {
	case report.Failed == 0 && report.Skipped == 0:
		report.Status = "success"
	case run.Status == scheduler.StatusFailed:
		report.Status = "failed"
	default:
		report.Status = "partial"
	}
	return report, nil
}

func firstNonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
