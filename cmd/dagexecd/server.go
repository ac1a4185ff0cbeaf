package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/swarmguard/dagexec/internal/condition"
	"github.com/swarmguard/dagexec/internal/config"
	"github.com/swarmguard/dagexec/internal/dag"
	"github.com/swarmguard/dagexec/internal/executor"
	"github.com/swarmguard/dagexec/internal/gate"
	"github.com/swarmguard/dagexec/internal/natsbus"
	"github.com/swarmguard/dagexec/internal/runtime"
	"github.com/swarmguard/dagexec/internal/scheduler"
	"github.com/swarmguard/dagexec/internal/store"
)

// server exposes the Executor/Scheduler/Gate/Store quartet over a small
// JSON API (spec §6 "Debt-resolution interface... exposed, consumed by
// external control surfaces" plus run submission/status, which the spec
// leaves to an unspecified external collaborator — this is the minimal one
// dagexecctl and tests drive against).
type server struct {
	exec      *executor.Executor
	sched     *scheduler.Scheduler
	gate      *gate.Gate
	store     *store.Store
	cfg       config.Config
	logger    *slog.Logger
	cond      *condition.Evaluator
	bus       *natsbus.Bus
	cronSched *executor.CronScheduler

	mu   sync.Mutex
	live map[string]bool // run ids currently executing, for status reporting
}

func newServer(exec *executor.Executor, sched *scheduler.Scheduler, gt *gate.Gate, st *store.Store, cfg config.Config, logger *slog.Logger, cond *condition.Evaluator, bus *natsbus.Bus, cronSched *executor.CronScheduler) *server {
	return &server{exec: exec, sched: sched, gate: gt, store: st, cfg: cfg, logger: logger, cond: cond, bus: bus, cronSched: cronSched, live: make(map[string]bool)}
}

func (s *server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRunSubroutes)
	mux.HandleFunc("/v1/debts", s.handleDebts)
	mux.HandleFunc("/v1/debts/summary", s.handleDebtSummary)
	mux.HandleFunc("/v1/debts/resolve", s.handleDebtResolve)
	mux.HandleFunc("/v1/decisions/approve", s.handleDecisionApprove)
	mux.HandleFunc("/v1/decisions/reject", s.handleDecisionReject)
	mux.HandleFunc("/v1/schedules", s.handleSchedules)
	mux.HandleFunc("/v1/schedules/", s.handleScheduleDelete)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.store.IsHealthy() {
		http.Error(w, "storage unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// --- run submission & reporting ---

type levelSpec struct {
	Kind          string   `json:"kind"` // mechanical|recommended|confirmed|arbitrated
	Retry         int      `json:"retry,omitempty"`
	DefaultAction string   `json:"default_action,omitempty"` // execute|skip|abort
	TimeoutSecs   int      `json:"timeout_secs,omitempty"`
	Stakeholders  []string `json:"stakeholders,omitempty"`
}

type taskSpec struct {
	ID              string          `json:"id"`
	SkillName       string          `json:"skill_name"`
	SkillMethod     string          `json:"skill_method"`
	Params          json.RawMessage `json:"params,omitempty"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	Level           levelSpec       `json:"level"`
	Rollback        []string        `json:"rollback,omitempty"`
	Idempotent      bool            `json:"idempotent,omitempty"`
	MaxRetries      int             `json:"max_retries,omitempty"`
	TimeoutSecs     int             `json:"timeout_secs,omitempty"`
	Priority        int             `json:"priority,omitempty"`
	Condition       string          `json:"condition,omitempty"`
	IgnoreOnFailure bool            `json:"ignore_on_failure,omitempty"`
	Command         string          `json:"command,omitempty"`
	ReuseAgentID    string          `json:"reuse_agent_id,omitempty"`
}

type runSpec struct {
	Name                   string     `json:"name"`
	Policy                 string     `json:"policy"` // all_success|first_success|allow_debt
	Tasks                  []taskSpec `json:"tasks"`
	RuntimeType            string     `json:"runtime_type"`
	MaxConcurrentTasks     int        `json:"max_concurrent_tasks,omitempty"`
	TaskTimeoutSecs        int        `json:"task_timeout_secs,omitempty"`
	AutoCleanup            *bool      `json:"auto_cleanup,omitempty"`
	EnableContextInjection *bool      `json:"enable_context_injection,omitempty"`
	HardCancel             bool       `json:"hard_cancel,omitempty"`
}

func parsePolicy(s string) (dag.Policy, error) {
	switch s {
	case "", "all_success":
		return dag.AllSuccess, nil
	case "first_success":
		return dag.FirstSuccess, nil
	case "allow_debt":
		return dag.AllowDebt, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", s)
	}
}

func parseLevel(l levelSpec) (dag.DecisionLevel, error) {
	switch l.Kind {
	case "", "mechanical":
		return dag.Mechanical(l.Retry), nil
	case "recommended":
		var action dag.DefaultAction
		switch l.DefaultAction {
		case "", "execute":
			action = dag.ActionExecute
		case "skip":
			action = dag.ActionSkip
		case "abort":
			action = dag.ActionAbort
		default:
			return dag.DecisionLevel{}, fmt.Errorf("unknown default_action %q", l.DefaultAction)
		}
		return dag.Recommended(action, l.TimeoutSecs), nil
	case "confirmed":
		return dag.Confirmed(), nil
	case "arbitrated":
		if len(l.Stakeholders) == 0 {
			return dag.DecisionLevel{}, fmt.Errorf("arbitrated level requires at least one stakeholder")
		}
		return dag.Arbitrated(l.Stakeholders), nil
	default:
		return dag.DecisionLevel{}, fmt.Errorf("unknown level kind %q", l.Kind)
	}
}

func (s *server) buildDAG(spec runSpec) (*dag.DAG, dag.Policy, map[string]string, error) {
	policy, err := parsePolicy(spec.Policy)
	if err != nil {
		return nil, 0, nil, err
	}
	g := dag.New(s.cond, policy)
	commands := make(map[string]string)
	for _, ts := range spec.Tasks {
		level, err := parseLevel(ts.Level)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("task %s: %w", ts.ID, err)
		}
		task := dag.Task{
			ID:              ts.ID,
			Skill:           dag.SkillRef{Name: ts.SkillName, Method: ts.SkillMethod, Params: ts.Params},
			Dependencies:    ts.Dependencies,
			Level:           level,
			Rollback:        ts.Rollback,
			Idempotent:      ts.Idempotent,
			MaxRetries:      ts.MaxRetries,
			Timeout:         time.Duration(ts.TimeoutSecs) * time.Second,
			Priority:        ts.Priority,
			Condition:       ts.Condition,
			IgnoreOnFailure: ts.IgnoreOnFailure,
		}
		if err := g.AddNode(task); err != nil {
			return nil, 0, nil, fmt.Errorf("task %s: %w", ts.ID, err)
		}
		if ts.Command != "" {
			commands[ts.ID] = ts.Command
		}
		if ts.ReuseAgentID != "" {
			commands[ts.ID+"__agent"] = ts.ReuseAgentID
		}
	}
	if err := g.Validate(); err != nil {
		return nil, 0, nil, err
	}
	return g, policy, commands, nil
}

func execConfigFromSpec(spec runSpec) executor.Config {
	execCfg := executor.Config{
		RuntimeType:            runtime.Type(spec.RuntimeType),
		MaxConcurrentTasks:     spec.MaxConcurrentTasks,
		TaskTimeout:            time.Duration(spec.TaskTimeoutSecs) * time.Second,
		AutoCleanup:            spec.AutoCleanup == nil || *spec.AutoCleanup,
		EnableContextInjection: spec.EnableContextInjection == nil || *spec.EnableContextInjection,
		HardCancel:             spec.HardCancel,
	}
	if execCfg.RuntimeType == "" {
		execCfg.RuntimeType = runtime.TypeClaude
	}
	return execCfg
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var spec runSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	g, policy, commands, err := s.buildDAG(spec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runID, err := s.exec.CreateRunWithCommands(spec.Name, policy, g, commands)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	execCfg := execConfigFromSpec(spec)

	s.mu.Lock()
	s.live[runID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.live, runID)
			s.mu.Unlock()
		}()
		report, err := s.exec.Execute(context.Background(), runID, execCfg)
		if err != nil {
			s.logger.Error("run execution error", "run_id", runID, "error", err)
		}
		data, merr := json.Marshal(report)
		if merr != nil {
			s.logger.Error("marshaling report", "run_id", runID, "error", merr)
			return
		}
		if serr := s.store.SaveReport(runID, data); serr != nil {
			s.logger.Error("persisting report", "run_id", runID, "error", serr)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

func (s *server) handleRunSubroutes(w http.ResponseWriter, r *http.Request) {
	id, sub := splitRunPath(r.URL.Path)
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch sub {
	case "":
		s.handleRunStatus(w, r, id)
	case "report":
		s.handleRunReport(w, r, id)
	case "decisions":
		s.handleRunDecisions(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func splitRunPath(path string) (id, sub string) {
	const prefix = "/v1/runs/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func (s *server) handleRunStatus(w http.ResponseWriter, r *http.Request, id string) {
	status, err := s.exec.GetRunStatus(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	stats, err := s.exec.GetRunStats(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"run_id":    id,
		"status":    status,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
	})
}

func (s *server) handleRunReport(w http.ResponseWriter, r *http.Request, id string) {
	data, err := s.store.GetReport(id)
	if err != nil {
		s.mu.Lock()
		running := s.live[id]
		s.mu.Unlock()
		if running {
			http.Error(w, "run still executing", http.StatusTooEarly)
			return
		}
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *server) handleRunDecisions(w http.ResponseWriter, r *http.Request, id string) {
	_ = json.NewEncoder(w).Encode(s.gate.PendingForRun(id))
}

// --- scheduled (cron) re-runs ---

type scheduleSpec struct {
	ID   string  `json:"id"`
	Cron string  `json:"cron"`
	Run  runSpec `json:"run"`
}

func (s *server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var spec scheduleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if spec.ID == "" {
		http.Error(w, "schedule id is required", http.StatusBadRequest)
		return
	}
	// Build the graph once up front so a malformed run spec is rejected at
	// registration time rather than silently failing on the first firing.
	if _, _, _, err := s.buildDAG(spec.Run); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, policy, _, _ := s.buildDAG(spec.Run)

	sc := executor.ScheduleConfig{
		ID:       spec.ID,
		Name:     spec.Run.Name,
		CronExpr: spec.Cron,
		Policy:   policy,
		Build: func() (*dag.DAG, error) {
			g, _, _, err := s.buildDAG(spec.Run)
			return g, err
		},
		RunCfg: execConfigFromSpec(spec.Run),
	}
	if err := s.cronSched.Register(sc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"schedule_id": spec.ID})
}

func (s *server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	const prefix = "/v1/schedules/"
	if len(r.URL.Path) <= len(prefix) {
		http.NotFound(w, r)
		return
	}
	id := r.URL.Path[len(prefix):]
	s.cronSched.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

// --- debt resolution (spec §6 external interface) ---

func (s *server) handleDebts(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	debts, err := s.store.ListDebts(runID, runID == "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !includeResolved {
		filtered := debts[:0]
		for _, d := range debts {
			if !d.Resolved {
				filtered = append(filtered, d)
			}
		}
		debts = filtered
	}
	_ = json.NewEncoder(w).Encode(debts)
}

func (s *server) handleDebtSummary(w http.ResponseWriter, r *http.Request) {
	debts, err := s.store.ListDebts("", true)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var resolved, unresolved, blocking, ignorable int
	for _, d := range debts {
		if d.Resolved {
			resolved++
		} else {
			unresolved++
		}
		if d.FailureKind == "blocking" {
			blocking++
		} else {
			ignorable++
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]int{
		"total":      len(debts),
		"resolved":   resolved,
		"unresolved": unresolved,
		"blocking":   blocking,
		"ignorable":  ignorable,
	})
}

type resolveRequest struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
	Resume bool   `json:"resume"`
}

func (s *server) handleDebtResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	newly, err := s.sched.ResolveDebt(req.RunID, req.TaskID, req.Resume)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.bus != nil {
		_ = s.bus.Publish(r.Context(), natsbus.SubjectDebtResolved, map[string]any{
			"run_id":  req.RunID,
			"task_id": req.TaskID,
			"resumed": req.Resume,
		})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"newly_ready": newly})
}

// --- decision gate control surface ---

type approveRequest struct {
	RequestID string `json:"request_id"`
	Principal string `json:"principal"`
	Token     string `json:"token"`
}

func (s *server) handleDecisionApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := s.gate.Approve(req.RequestID, req.Principal, req.Token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"applied": ok})
}

func (s *server) handleDecisionReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := s.gate.Reject(req.RequestID, req.Principal)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"applied": ok})
}
