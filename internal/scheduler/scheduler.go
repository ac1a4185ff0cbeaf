// Package scheduler implements the DAG Scheduler component (spec §4.5):
// the run-id-keyed map of Runs, each with its own bounded ready-task
// channel and per-run apply_result serialization. It is grounded on the
// teacher's scheduler.go Scheduler/EventHandler split — here the
// "EventHandler" role is played by the per-run mutex plus channel rather
// than a cron trigger, since readiness here is dependency-driven, not
// time-driven.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/dagexec/internal/dag"
	"github.com/swarmguard/dagexec/internal/policy"
	"github.com/swarmguard/dagexec/internal/store"
)

var (
	ErrRunNotFound       = errors.New("scheduler: run not found")
	ErrTaskNotFound      = errors.New("scheduler: task not found")
	ErrInvalidTransition = errors.New("scheduler: invalid transition")
	ErrStorageError      = errors.New("scheduler: storage error")
	ErrReadyOverflow     = errors.New("scheduler: ready channel overflow")
)

// readyPushTimeout bounds how long a push onto a Run's Ready channel may
// block before it is treated as backpressure (spec §5 Backpressure:
// "apply_result blocks briefly (up to 50 ms) then returns an overflow
// error which the scheduler treats as a retriable condition").
const readyPushTimeout = 50 * time.Millisecond

// pushReady sends id on ch, blocking for at most readyPushTimeout before
// giving up with ErrReadyOverflow.
func pushReady(ch chan string, id string) error {
	select {
	case ch <- id:
		return nil
	case <-time.After(readyPushTimeout):
		return fmt.Errorf("%w: task %s", ErrReadyOverflow, id)
	}
}

// Status is a Run's overall lifecycle state (spec §3 "DAG Run").
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is the execution envelope for one submitted DAG (spec §3).
type Run struct {
	mu sync.Mutex

	ID        string
	Name      string
	Policy    dag.Policy
	Graph     *dag.DAG
	Status    Status
	CreatedAt time.Time
	StartedAt time.Time
	Debts       map[string]*dag.Debt // keyed by debt id
	Ready       chan string
	readyClosed bool
}

// Options configures scheduler-wide defaults (spec §6).
type Options struct {
	ReadyChannelCapacity int

	// PolicyBundleDir, if set, swaps finalize's built-in AllSuccess/
	// FirstSuccess/AllowDebt switch for an OPA-evaluated bundle loaded from
	// this directory (every *.rego file in it). Leave empty to keep the
	// built-in switch.
	PolicyBundleDir string

	// ConditionEvaluator is threaded into every dag.DAG the Scheduler
	// builds itself, which today means only RestoreRuns: a run submitted
	// through CreateRun already carries a graph the caller built (and thus
	// already wired to whatever evaluator it wants), but a graph
	// reconstructed from a persisted snapshot after a restart has no
	// caller to supply one.
	ConditionEvaluator dag.ConditionEvaluator
}

func (o *Options) setDefaults() {
	if o.ReadyChannelCapacity <= 0 {
		o.ReadyChannelCapacity = 64
	}
}

// Scheduler owns every Run by id.
type Scheduler struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	opts       Options
	st         *store.Store // optional; nil disables persistence
	policyEval *policy.Evaluator
	cond       dag.ConditionEvaluator
}

func New(opts Options, st *store.Store) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{runs: make(map[string]*Run), opts: opts, st: st, cond: opts.ConditionEvaluator}
	if opts.PolicyBundleDir != "" {
		ev, err := policy.New(context.Background(), opts.PolicyBundleDir)
		if err != nil {
			// Malformed custom bundle: fall back to the built-in switch
			// rather than fail construction outright; finalize proceeds as
			// if PolicyBundleDir were never set.
			s.policyEval = nil
		} else {
			s.policyEval = ev
		}
	}
	return s
}

// CreateRun registers a validated, not-yet-initialized DAG as a new Run and
// returns its id. The graph is not started (no Ready channel traffic)
// until Start is called.
func (s *Scheduler) CreateRun(name string, policy dag.Policy, graph *dag.DAG) (string, error) {
	runID := uuid.NewString()
	run := &Run{
		ID:        runID,
		Name:      name,
		Policy:    policy,
		Graph:     graph,
		Status:    StatusPaused,
		CreatedAt: time.Now(),
		Debts:     make(map[string]*dag.Debt),
		Ready:     make(chan string, s.opts.ReadyChannelCapacity),
	}
	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	if err := s.persist(run); err != nil {
		return "", err
	}
	return runID, nil
}

// Start initializes the underlying DAG (computing its first ready set) and
// transitions the Run to Running, seeding the ready channel.
func (s *Scheduler) Start(runID string) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if err := run.Graph.Initialize(); err != nil {
		return fmt.Errorf("scheduler: initializing run %s: %w", runID, err)
	}
	run.Status = StatusRunning
	run.StartedAt = time.Now()
	for _, id := range run.Graph.ReadySet() {
		if err := pushReady(run.Ready, id); err != nil {
			return err
		}
	}
	return s.persist(run)
}

// Next blocks until a ready task id is available for runID, or returns
// false if the channel is closed (run fully drained and torn down).
func (s *Scheduler) Next(runID string) (string, bool, error) {
	run, err := s.get(runID)
	if err != nil {
		return "", false, err
	}
	id, ok := <-run.Ready
	return id, ok, nil
}

// ApplyResult serializes against the run's own mutex (spec §4.5 "apply_result
// calls are serialized" per run, not globally), applies the outcome to the
// underlying DAG, records a Debt for any Failed or Skipped outcome, updates overall
// Run status, persists, and pushes newly-ready ids onto the channel.
func (s *Scheduler) ApplyResult(runID, taskID string, outcome dag.Outcome) ([]string, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	newly, err := run.Graph.ApplyResult(taskID, outcome)
	if err != nil {
		if errors.Is(err, dag.ErrUnknownTask) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if errors.Is(err, dag.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return nil, err
	}

	// A Debt records any non-Completed terminal outcome, whichever failure
	// kind it carries (spec §8 scenario 3 records a Blocking-kind Debt,
	// not only Ignorable ones); the kind governs propagation, not whether
	// a record is kept.
	if outcome.Kind == dag.OutcomeFailed || outcome.Kind == dag.OutcomeSkipped {
		debt := &dag.Debt{
			ID:          uuid.NewString(),
			TaskID:      taskID,
			RunID:       runID,
			FailureKind: outcome.FailureKind,
			Message:     outcome.Message,
			CreatedAt:   time.Now(),
		}
		run.Debts[debt.ID] = debt
	}

	s.updateRunStatus(run, outcome)

	for _, id := range newly {
		if pushErr := pushReady(run.Ready, id); pushErr != nil {
			_ = s.persist(run)
			return newly, pushErr
		}
	}
	if run.Graph.IsTerminal() && len(newly) == 0 {
		s.finalize(run)
	}

	if err := s.persist(run); err != nil {
		return newly, err
	}
	return newly, nil
}

// updateRunStatus applies spec §4.1's per-event Run-status rules for a
// freshly applied Blocking failure; terminal Completed/Failed resolution
// happens separately in finalize once the graph has nothing left to run.
func (s *Scheduler) updateRunStatus(run *Run, outcome dag.Outcome) {
	isBlockingTerminal := (outcome.Kind == dag.OutcomeFailed || outcome.Kind == dag.OutcomeSkipped) &&
		outcome.FailureKind == dag.Blocking
	if !isBlockingTerminal {
		return
	}
	if run.Policy == dag.AllowDebt {
		run.Status = StatusPaused
	} else {
		run.Status = StatusFailed
	}
}

// finalize is called once the graph has no more work (IsTerminal) and no
// task just became newly ready; it settles the Run's terminal status per
// policy and closes the ready channel so Next's consumers exit cleanly. A
// Paused run under AllowDebt with unresolved debts is left Paused rather
// than resolved to Completed/Failed by the Succeeded() check below — it is
// only "terminal" in the sense that nothing more will become Ready without
// outside intervention via ResolveDebt, which reopens the channel.
func (s *Scheduler) finalize(run *Run) {
	if run.Status == StatusFailed {
		closeReadyOnce(run)
		return
	}
	if run.Status == StatusPaused && run.Policy == dag.AllowDebt && !hasNoUnresolvedDebts(run) {
		closeReadyOnce(run)
		return
	}
	if s.policyEval != nil {
		decision, err := s.policyEval.Decide(context.Background(), policy.Input{
			Policy:         run.Policy.String(),
			AnyCompleted:   run.Graph.AnyCompleted(),
			AllSucceeded:   run.Graph.Succeeded(),
			UnresolvedDebt: !hasNoUnresolvedDebts(run),
		})
		if err == nil {
			switch {
			case decision.Paused:
				run.Status = StatusPaused
			case decision.Completed:
				run.Status = StatusCompleted
			default:
				run.Status = StatusFailed
			}
			closeReadyOnce(run)
			return
		}
		// Custom bundle failed to evaluate for this run: fall through to
		// the built-in switch rather than leave the run stuck.
	}
	switch run.Policy {
	case dag.FirstSuccess:
		if run.Graph.AnyCompleted() {
			run.Status = StatusCompleted
		} else {
			run.Status = StatusFailed
		}
	case dag.AllowDebt:
		// Any Blocking failure that would have stopped the run already
		// forced Status to Paused or Failed above; reaching here means
		// every remaining failure was Ignorable-and-resolved-as-debt, which
		// AllowDebt defines as a completed run.
		run.Status = StatusCompleted
	default: // AllSuccess
		if run.Graph.Succeeded() {
			run.Status = StatusCompleted
		} else {
			run.Status = StatusFailed
		}
	}
	closeReadyOnce(run)
}

// closeReadyOnce closes a run's Ready channel exactly once. Callers must
// hold run.mu.
func closeReadyOnce(run *Run) {
	if run.readyClosed {
		return
	}
	run.readyClosed = true
	close(run.Ready)
}

// Pause transitions a Running run to Paused without altering graph state;
// an Executor observing Paused should stop pulling new ready tasks.
func (s *Scheduler) Pause(runID string) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.Status != StatusRunning {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, runID, run.Status)
	}
	run.Status = StatusPaused
	return s.persist(run)
}

// Resume transitions a Paused run back to Running.
func (s *Scheduler) Resume(runID string) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.Status != StatusPaused {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, runID, run.Status)
	}
	run.Status = StatusRunning
	return s.persist(run)
}

// ResolveDebt implements spec §4.5 resolve_debt.
func (s *Scheduler) ResolveDebt(runID, taskID string, resume bool) ([]string, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	var debt *dag.Debt
	for _, d := range run.Debts {
		if d.TaskID == taskID && !d.Resolved {
			debt = d
			break
		}
	}
	if debt == nil {
		return nil, fmt.Errorf("%w: no unresolved debt for task %s in run %s", ErrTaskNotFound, taskID, runID)
	}
	debt.Resolved = true

	var newly []string
	if resume {
		newly, err = run.Graph.Readmit(taskID, nil)
		if err != nil {
			return nil, fmt.Errorf("scheduler: readmitting task %s: %w", taskID, err)
		}
		if run.Status == StatusPaused {
			run.Status = StatusRunning
		}
		if run.readyClosed {
			// finalize closed the channel when the run paused with
			// unresolved debts; a resumed run needs a fresh channel since
			// a closed one can never be sent on again.
			run.Ready = make(chan string, s.opts.ReadyChannelCapacity)
			run.readyClosed = false
		}
		for _, id := range newly {
			if pushErr := pushReady(run.Ready, id); pushErr != nil {
				_ = s.persist(run)
				return newly, pushErr
			}
		}
	}

	if run.Graph.IsTerminal() && hasNoUnresolvedDebts(run) && len(newly) == 0 {
		s.finalize(run)
	}

	if err := s.persist(run); err != nil {
		return newly, err
	}
	return newly, nil
}

func hasNoUnresolvedDebts(run *Run) bool {
	for _, d := range run.Debts {
		if !d.Resolved {
			return false
		}
	}
	return true
}

// GetRun returns a copy-safe pointer to a run (callers must not mutate
// Graph directly; use the Scheduler's methods).
func (s *Scheduler) GetRun(runID string) (*Run, error) {
	return s.get(runID)
}

func (s *Scheduler) get(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// RunIDs returns every known run id, sorted.
func (s *Scheduler) RunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveRun returns the most recently started Running run, tie-broken by
// run id (spec §4.5 get_active_run).
func (s *Scheduler) ActiveRun() (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Run
	for _, run := range s.runs {
		run.mu.Lock()
		isRunning := run.Status == StatusRunning
		run.mu.Unlock()
		if !isRunning {
			continue
		}
		if best == nil || run.StartedAt.After(best.StartedAt) ||
			(run.StartedAt.Equal(best.StartedAt) && run.ID < best.ID) {
			best = run
		}
	}
	return best, best != nil
}

// RestoreRuns reconstructs every run the store knows about into the live
// Scheduler, so GetRun/ApplyResult/ResolveDebt can reach a run submitted
// before a crash instead of returning ErrRunNotFound forever (spec §4.2/
// §6). It is a no-op if persistence is disabled, and should be called once
// at boot, after Store.Hydrate has reopened any Running tasks as Ready.
func (s *Scheduler) RestoreRuns() error {
	if s.st == nil {
		return nil
	}
	snaps, err := s.st.ListRuns("")
	if err != nil {
		return fmt.Errorf("%w: listing runs: %v", ErrStorageError, err)
	}
	for _, snap := range snaps {
		if err := s.restoreRun(snap); err != nil {
			return fmt.Errorf("scheduler: restoring run %s: %w", snap.RunID, err)
		}
	}
	return nil
}

// restoreRun rebuilds a single *dag.DAG and Run from a RunSnapshot. It
// re-validates and re-initializes the graph from each task's persisted
// Definition, then overwrites every node's status/attempts/output/error
// with what was actually recorded, since Initialize's own Ready/Skipped
// admission logic only knows about Condition evaluation, not prior
// execution history.
func (s *Scheduler) restoreRun(snap store.RunSnapshot) error {
	s.mu.Lock()
	_, exists := s.runs[snap.RunID]
	s.mu.Unlock()
	if exists {
		return nil
	}

	policy := parseStoredPolicy(snap.Policy)
	graph := dag.New(s.cond, policy)
	for _, ts := range snap.Tasks {
		if err := graph.AddNode(ts.Definition); err != nil {
			return fmt.Errorf("adding task %s: %w", ts.ID, err)
		}
	}
	if err := graph.Initialize(); err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	for _, ts := range snap.Tasks {
		status, err := dag.ParseStatus(ts.Status)
		if err != nil {
			return fmt.Errorf("task %s: %w", ts.ID, err)
		}
		if err := graph.RestoreStatus(ts.ID, status, ts.Attempts, ts.Output, ts.Error); err != nil {
			return fmt.Errorf("task %s: %w", ts.ID, err)
		}
	}

	run := &Run{
		ID:        snap.RunID,
		Name:      snap.Name,
		Policy:    policy,
		Graph:     graph,
		Status:    Status(snap.Status),
		CreatedAt: snap.CreatedAt,
		StartedAt: snap.UpdatedAt,
		Debts:     make(map[string]*dag.Debt),
		Ready:     make(chan string, s.opts.ReadyChannelCapacity),
	}

	debts, err := s.st.ListDebts(snap.RunID, false)
	if err != nil {
		return fmt.Errorf("listing debts: %w", err)
	}
	for _, d := range debts {
		failureKind := dag.Ignorable
		if d.FailureKind == "blocking" {
			failureKind = dag.Blocking
		}
		run.Debts[d.ID] = &dag.Debt{
			ID:          d.ID,
			TaskID:      d.TaskID,
			RunID:       d.RunID,
			FailureKind: failureKind,
			Message:     d.Message,
			CreatedAt:   d.CreatedAt,
			Resolved:    d.Resolved,
		}
	}

	s.mu.Lock()
	s.runs[snap.RunID] = run
	s.mu.Unlock()

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.Status == StatusCompleted || run.Status == StatusFailed {
		closeReadyOnce(run)
		return nil
	}
	for _, id := range graph.ReadySet() {
		if pushErr := pushReady(run.Ready, id); pushErr != nil {
			return fmt.Errorf("reseeding ready channel: %w", pushErr)
		}
	}
	return nil
}

func parseStoredPolicy(s string) dag.Policy {
	switch s {
	case "first_success":
		return dag.FirstSuccess
	case "allow_debt":
		return dag.AllowDebt
	default:
		return dag.AllSuccess
	}
}

func (s *Scheduler) persist(run *Run) error {
	if s.st == nil {
		return nil
	}
	snap := store.RunSnapshot{
		RunID:     run.ID,
		Name:      run.Name,
		Policy:    run.Policy.String(),
		Status:    string(run.Status),
		CreatedAt: run.CreatedAt,
	}
	for _, v := range run.Graph.AllViews() {
		snap.Tasks = append(snap.Tasks, store.TaskSnapshot{
			ID:         v.Task.ID,
			Definition: v.Task,
			Status:     v.Status.String(),
			Attempts:   v.Attempts,
			Output:     v.Output,
			Error:      v.Error,
		})
	}
	if err := s.st.SaveRun(snap); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	for _, d := range run.Debts {
		debtSnap := store.DebtSnapshot{
			ID:          d.ID,
			TaskID:      d.TaskID,
			RunID:       d.RunID,
			FailureKind: d.FailureKind.String(),
			Message:     d.Message,
			CreatedAt:   d.CreatedAt,
			Resolved:    d.Resolved,
		}
		if err := s.st.SaveDebt(debtSnap); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
	}
	return nil
}
