package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/dagexec/internal/dag"
)

// ScheduleConfig registers a cron-triggered re-run of a DAG definition
// (spec §5 "Scheduled (cron) re-runs"). It is purely additive sugar over
// CreateRun+Execute: the run a firing submits is indistinguishable from one
// a caller built and posted by hand, so nothing downstream (Scheduler,
// Executor, Store) needs to know a run originated from a schedule rather
// than a one-off submission.
type ScheduleConfig struct {
	ID       string
	Name     string
	CronExpr string
	Policy   dag.Policy

	// Build produces a fresh, un-Initialize'd graph for one firing. A
	// dag.DAG is single-use (Initialize freezes it), so a schedule that
	// fires repeatedly needs a constructor, not a graph.
	Build func() (*dag.DAG, error)

	RunCfg Config
}

// CronScheduler triggers Executor.CreateRun+Execute on a robfig/cron
// schedule, one entry per registered ScheduleConfig. It is grounded on the
// teacher's services/orchestrator Scheduler, whose EventHandler fires a
// single fixed workflow on a fixed interval; this generalizes that to
// arbitrary per-registration cron expressions and DAG definitions, the same
// robfig/cron/v3 library cmd/dagexecd already uses for its maintenance
// sweeps.
type CronScheduler struct {
	exec   *Executor
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewCronScheduler(exec *Executor, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronScheduler{
		exec:    exec,
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins dispatching registered schedules in the background.
func (c *CronScheduler) Start() { c.cron.Start() }

// Stop halts future firings. A firing already in flight keeps running to
// completion since it was handed off to Executor.Execute independently.
func (c *CronScheduler) Stop() { c.cron.Stop() }

// Register adds or replaces the schedule under sc.ID, validating the cron
// expression immediately so a typo surfaces at registration time instead of
// silently never firing.
func (c *CronScheduler) Register(sc ScheduleConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.entries[sc.ID]; ok {
		c.cron.Remove(prior)
		delete(c.entries, sc.ID)
	}
	id, err := c.cron.AddFunc(sc.CronExpr, func() { c.fire(sc) })
	if err != nil {
		return fmt.Errorf("executor: invalid cron expression %q for schedule %s: %w", sc.CronExpr, sc.ID, err)
	}
	c.entries[sc.ID] = id
	return nil
}

// Unregister removes a schedule. A firing already dispatched is unaffected.
func (c *CronScheduler) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		c.cron.Remove(entry)
		delete(c.entries, id)
	}
}

// IDs returns every currently registered schedule id.
func (c *CronScheduler) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

func (c *CronScheduler) fire(sc ScheduleConfig) {
	graph, err := sc.Build()
	if err != nil {
		c.logger.Error("schedule: building graph", "schedule_id", sc.ID, "error", err)
		return
	}
	runID, err := c.exec.CreateRun(sc.Name, sc.Policy, graph)
	if err != nil {
		c.logger.Error("schedule: creating run", "schedule_id", sc.ID, "error", err)
		return
	}
	c.logger.Info("schedule fired", "schedule_id", sc.ID, "run_id", runID)
	go func() {
		if _, err := c.exec.Execute(context.Background(), runID, sc.RunCfg); err != nil {
			c.logger.Error("schedule: run execution error", "schedule_id", sc.ID, "run_id", runID, "error", err)
		}
	}()
}
