package dag

import (
	"fmt"
	"sort"
	"time"
)

// taskNode is one arena slot. Dependency/dependent edges are stored as
// index slices into the same arena, mirroring the teacher's dagNode
// (services/orchestrator/dag_engine.go) InDegree/Children fields but
// generalized to hold both directions so ApplyResult can walk dependents
// without a second pass over the task list.
type taskNode struct {
	task        Task
	depIdx      []int // indices of dependencies
	depOf       []int // indices of tasks that depend on this one
	status      Status
	attempts    int
	output      []byte
	errMsg      string
	failureKind FailureKind
	started     time.Time
	ended       time.Time
}

// DAG is the arena-based graph described in spec §4.1/§9: a slice of nodes
// plus an id→index map, frozen by Initialize so ready-set computation and
// result application never need to search by string id again.
type DAG struct {
	nodes       []*taskNode
	index       map[string]int
	initialized bool
	cond        ConditionEvaluator
	policy      Policy
	runContext  map[string]any
}

// New creates an empty, mutable DAG governed by policy (spec §3 "DAG Run"
// policy field — AllSuccess, FirstSuccess, or AllowDebt — which decides
// whether an Ignorable failure still fans out to dependents or triggers
// the same transitive skip a Blocking failure would). AddNode may be
// called until Initialize freezes the graph.
func New(cond ConditionEvaluator, policy Policy) *DAG {
	return &DAG{
		index:      make(map[string]int),
		cond:       cond,
		policy:     policy,
		runContext: make(map[string]any),
	}
}

// AddNode appends a task to the graph. Must be called before Initialize.
func (d *DAG) AddNode(t Task) error {
	if d.initialized {
		return ErrAlreadyInitialized
	}
	if _, exists := d.index[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	idx := len(d.nodes)
	d.nodes = append(d.nodes, &taskNode{task: t, status: StatusPending})
	d.index[t.ID] = idx
	return nil
}

// Validate checks the graph is non-empty, references only known
// dependencies, and is acyclic. It does not mutate the graph and may be
// called repeatedly while still building.
func (d *DAG) Validate() error {
	if len(d.nodes) == 0 {
		return ErrEmptyDAG
	}
	for _, n := range d.nodes {
		for _, dep := range n.task.Dependencies {
			if _, ok := d.index[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, n.task.ID, dep)
			}
		}
	}
	return d.detectCycle()
}

// detectCycle runs a recursive DFS with a three-color mark, the same
// approach as original_source/cis-core/src/scheduler/dag_executor.rs
// validate_dag, adapted to index-based recursion since the arena has no
// pointer cycles to trip a naive visited-only walk.
func (d *DAG) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(d.nodes))

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range d.nodes[i].task.Dependencies {
			j := d.index[dep]
			switch color[j] {
			case gray:
				return fmt.Errorf("%w: %s -> %s", ErrCycle, d.nodes[i].task.ID, d.nodes[j].task.ID)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}

	for i := range d.nodes {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Initialize validates the graph, builds reverse adjacency (depOf), freezes
// the node list against further AddNode calls, and seeds the initial
// Ready/Pending statuses: a task with no dependencies starts Ready, unless
// its Condition evaluates false, in which case it (and its transitive
// dependents) start Skipped with no Debt.
func (d *DAG) Initialize() error {
	if d.initialized {
		return nil
	}
	if err := d.Validate(); err != nil {
		return err
	}
	for i, n := range d.nodes {
		for _, dep := range n.task.Dependencies {
			j := d.index[dep]
			n.depIdx = append(n.depIdx, j)
			d.nodes[j].depOf = append(d.nodes[j].depOf, i)
		}
	}
	d.initialized = true

	for i, n := range d.nodes {
		if len(n.depIdx) == 0 {
			d.admit(i)
		}
	}
	return nil
}

// admit evaluates i's Condition (if any) and sets it Ready or, on a false
// condition, Skipped (propagating skip to dependents).
func (d *DAG) admit(i int) {
	n := d.nodes[i]
	if n.task.Condition == "" {
		n.status = StatusReady
		return
	}
	ok, err := true, error(nil)
	if d.cond != nil {
		ok, err = d.cond.Eval(n.task.Condition, d.runContext)
	}
	if err != nil {
		// An unevaluable condition is treated as blocking, not silently
		// true: this protects against malformed expressions masquerading
		// as always-admitted tasks.
		n.status = StatusFailed
		n.errMsg = fmt.Sprintf("condition evaluation error: %v", err)
		d.skipDependents(i)
		return
	}
	if ok {
		n.status = StatusReady
	} else {
		n.status = StatusSkipped
		d.skipDependents(i)
	}
}

// skipDependents recursively marks every not-yet-terminal dependent of i
// Skipped, matching the teacher's skipChildren in dag_engine.go. A
// dependent needs all of its dependencies satisfied to become Ready, so
// once one of them can no longer complete, neither can the dependent,
// whatever state its other dependencies are in.
func (d *DAG) skipDependents(i int) {
	for _, j := range d.nodes[i].depOf {
		dn := d.nodes[j]
		if dn.status == StatusSkipped || dn.status == StatusCompleted || dn.status == StatusFailed {
			continue
		}
		dn.status = StatusSkipped
		d.skipDependents(j)
	}
}

func (d *DAG) allDepsTerminalNonCompleted(i int) bool {
	for _, j := range d.nodes[i].depIdx {
		s := d.nodes[j].status
		if s != StatusSkipped && s != StatusFailed {
			return false
		}
	}
	return true
}

// SetRunContext replaces the shared map used for Condition evaluation
// (e.g. prior task outputs keyed by task id). The DAG never writes to this
// map itself: completed outputs are not added to it, so Conditions see only
// what was last set here (nil until the first call).
func (d *DAG) SetRunContext(ctx map[string]any) {
	d.runContext = ctx
}

// ReadySet returns the ids of all currently Ready tasks, ordered by
// ascending Priority then by insertion order, so scheduling is
// deterministic for a given submission (spec §4.5 "deterministic emission
// ordering").
func (d *DAG) ReadySet() []string {
	type ranked struct {
		id    string
		prio  int
		order int
	}
	var r []ranked
	for i, n := range d.nodes {
		if n.status == StatusReady {
			r = append(r, ranked{id: n.task.ID, prio: n.task.Priority, order: i})
		}
	}
	sort.Slice(r, func(a, b int) bool {
		if r[a].prio != r[b].prio {
			return r[a].prio < r[b].prio
		}
		return r[a].order < r[b].order
	})
	ids := make([]string, len(r))
	for i, x := range r {
		ids[i] = x.id
	}
	return ids
}

// MarkRunning transitions a Ready task to Running, recording the start
// time. Returns ErrInvalidTransition if the task isn't Ready.
func (d *DAG) MarkRunning(id string) error {
	i, ok := d.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := d.nodes[i]
	if n.status != StatusReady {
		return fmt.Errorf("%w: task %s is %s, not ready", ErrInvalidTransition, id, n.status)
	}
	n.status = StatusRunning
	n.started = time.Now()
	n.attempts++
	return nil
}

// MarkAwaitingConfirmation transitions a Ready task to
// AwaitingConfirmation, used while a Recommended/Confirmed/Arbitrated
// decision gate is open for this task and before it has actually started
// running (spec §3: Ready precedes AwaitingConfirmation for any
// non-Mechanical task; only an approval moves it into Running).
func (d *DAG) MarkAwaitingConfirmation(id string) error {
	i, ok := d.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := d.nodes[i]
	if n.status != StatusReady {
		return fmt.Errorf("%w: task %s is %s, not ready", ErrInvalidTransition, id, n.status)
	}
	n.status = StatusAwaitingConfirmation
	return nil
}

// MarkReadyAfterApproval transitions an AwaitingConfirmation task back to
// Ready once its decision gate has approved it (spec §3
// "AwaitingConfirmation transitions back to Ready on approval..."),
// leaving the caller to re-dispatch it through the normal Ready->Running
// path via MarkRunning.
func (d *DAG) MarkReadyAfterApproval(id string) error {
	i, ok := d.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := d.nodes[i]
	if n.status != StatusAwaitingConfirmation {
		return fmt.Errorf("%w: task %s is %s, not awaiting confirmation", ErrInvalidTransition, id, n.status)
	}
	n.status = StatusReady
	return nil
}

// ApplyResult applies a task's outcome and returns the ids newly admitted
// to Ready as a consequence (spec §4.1). A Completed outcome fans out to
// dependents whose other dependencies are already satisfied, re-evaluating
// each candidate's Condition. A Failed(Blocking) outcome Skips all
// transitive dependents. A Failed(Ignorable) outcome fans out dependents
// only when the DAG's Policy is AllowDebt (spec §4.1 "Failed(Ignorable): a
// Debt is created; under AllowDebt, dependents whose only remaining
// blocker is this task become Ready; under other policies the
// transitive-skip rule of Blocking applies") — recording the Debt itself
// is the caller's responsibility, since DAG has no persistence. A Skipped
// outcome (e.g. administratively cancelled) behaves like Failed(Blocking)
// for propagation purposes.
func (d *DAG) ApplyResult(id string, outcome Outcome) ([]string, error) {
	if !d.initialized {
		return nil, ErrNotInitialized
	}
	i, ok := d.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := d.nodes[i]
	if n.status != StatusRunning && n.status != StatusAwaitingConfirmation {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, n.status)
	}
	n.ended = time.Now()

	switch outcome.Kind {
	case OutcomeCompleted:
		n.status = StatusCompleted
		n.output = outcome.Output
	case OutcomeFailed:
		n.status = StatusFailed
		n.errMsg = outcome.Message
		n.failureKind = outcome.FailureKind
		if outcome.FailureKind == Blocking || d.policy != AllowDebt {
			d.skipDependents(i)
			return nil, nil
		}
	case OutcomeSkipped:
		n.status = StatusSkipped
		d.skipDependents(i)
		return nil, nil
	}

	var newlyReady []string
	for _, j := range n.depOf {
		dn := d.nodes[j]
		if dn.status != StatusPending {
			continue
		}
		if d.allDepsSatisfied(j) {
			before := dn.status
			d.admit(j)
			if before != dn.status && dn.status == StatusReady {
				newlyReady = append(newlyReady, dn.task.ID)
			}
		}
	}
	return newlyReady, nil
}

// allDepsSatisfied reports whether every dependency of i has reached a
// status that allows i to be considered: Completed, or a Failed(Ignorable)
// that was deliberately fanned out from under AllowDebt.
func (d *DAG) allDepsSatisfied(i int) bool {
	for _, j := range d.nodes[i].depIdx {
		dep := d.nodes[j]
		if dep.status == StatusCompleted {
			continue
		}
		if dep.status == StatusFailed && dep.failureKind == Ignorable && d.policy == AllowDebt {
			continue
		}
		return false
	}
	return true
}

// View returns a read-only snapshot of a single task's state.
func (d *DAG) View(id string) (NodeView, error) {
	i, ok := d.index[id]
	if !ok {
		return NodeView{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := d.nodes[i]
	return NodeView{
		Task:      n.task,
		Status:    n.status,
		Attempts:  n.attempts,
		Output:    n.output,
		Error:     n.errMsg,
		StartedAt: n.started,
		EndedAt:   n.ended,
	}, nil
}

// AllViews returns snapshots of every task, in insertion order, for
// reporting and persistence.
func (d *DAG) AllViews() []NodeView {
	views := make([]NodeView, len(d.nodes))
	for i, n := range d.nodes {
		views[i] = NodeView{
			Task:      n.task,
			Status:    n.status,
			Attempts:  n.attempts,
			Output:    n.output,
			Error:     n.errMsg,
			StartedAt: n.started,
			EndedAt:   n.ended,
		}
	}
	return views
}

// IsTerminal reports whether every task has reached a terminal status
// (Completed, Failed, or Skipped), i.e. the run has nothing left to do.
func (d *DAG) IsTerminal() bool {
	for _, n := range d.nodes {
		switch n.status {
		case StatusCompleted, StatusFailed, StatusSkipped:
			continue
		default:
			return false
		}
	}
	return true
}

// Succeeded reports whether every task ended Completed or Skipped (used
// for AllSuccess policy evaluation).
func (d *DAG) Succeeded() bool {
	for _, n := range d.nodes {
		if n.status != StatusCompleted && n.status != StatusSkipped {
			return false
		}
	}
	return true
}

// AnyCompleted reports whether at least one task completed (used for
// FirstSuccess policy evaluation).
func (d *DAG) AnyCompleted() bool {
	for _, n := range d.nodes {
		if n.status == StatusCompleted {
			return true
		}
	}
	return false
}

// RestoreStatus forces a node's status, attempt count, and terminal output/
// error directly, used by the scheduler when reconstructing a Run from a
// persisted snapshot after a restart (spec §4.2/§6): a freshly Initialize'd
// graph only knows Ready/Pending/Skipped from Condition evaluation, so the
// caller overwrites each node with whatever it actually reached before the
// process stopped.
func (d *DAG) RestoreStatus(id string, status Status, attempts int, output []byte, errMsg string) error {
	i, ok := d.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := d.nodes[i]
	n.status = status
	n.attempts = attempts
	n.output = output
	n.errMsg = errMsg
	return nil
}

// TaskIDs returns every task id in insertion order.
func (d *DAG) TaskIDs() []string {
	ids := make([]string, len(d.nodes))
	for i, n := range d.nodes {
		ids[i] = n.task.ID
	}
	return ids
}
