// Package store implements the Persistence component (spec §4.2) on
// go.etcd.io/bbolt, grounded on the teacher's
// services/orchestrator/persistence.go WorkflowStore: same bucket-per-entity
// layout, same NoSync:false/ArrayType freelist durability posture, same
// archive-on-overwrite versioning, generalized from workflow definitions to
// DAG runs, tasks, debts, and agent sessions.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/dagexec/internal/dag"
)

var (
	bucketRuns     = []byte("dag_runs")
	bucketTasks    = []byte("tasks")
	bucketDebts    = []byte("debts")
	bucketSessions = []byte("sessions")
	bucketVersions = []byte("run_versions")
	bucketReports  = []byte("reports")
)

// RunSnapshot is the persisted shape of one DAG run, independent of the
// in-memory scheduler.Run so the two packages don't import each other.
type RunSnapshot struct {
	RunID     string         `json:"run_id"`
	Name      string         `json:"name"`
	Policy    string         `json:"policy"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Tasks     []TaskSnapshot `json:"tasks"`
}

// TaskSnapshot is one task's persisted state within a run. Definition
// carries the task's full spec (dependencies, skill, decision level,
// rollback, condition) alongside its runtime status (spec §6's "dag_json"
// schema), so a restart can rebuild the task's place in the dependency
// graph and not just its terminal outcome.
type TaskSnapshot struct {
	ID         string   `json:"id"`
	Definition dag.Task `json:"definition"`
	Status     string   `json:"status"`
	Attempts   int      `json:"attempts"`
	Output     []byte   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// DebtSnapshot is a persisted Debt record (spec §3).
type DebtSnapshot struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	RunID       string    `json:"run_id"`
	FailureKind string    `json:"failure_kind"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
	Resolved    bool      `json:"resolved"`
}

// SessionSnapshot is a persisted Agent Pool session row. The pool writes
// and deletes these rows; nothing reads them back at startup, so agents
// are not rebound across a dagexecd restart.
type SessionSnapshot struct {
	AgentID     string    `json:"agent_id"`
	RuntimeType string    `json:"runtime_type"`
	State       string    `json:"state"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Store wraps a single bbolt database file.
type Store struct {
	db *bbolt.DB
}

// Open creates (if absent) and opens the bbolt file at path, creating all
// buckets the store needs. Options mirror the teacher's persistence.go:
// a bounded open timeout so a stale lock fails fast instead of hanging, and
// NoSync left at its durable default (false) since task-execution state is
// not something we're willing to lose on a crash.
func Open(path string, openTimeout time.Duration) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      openTimeout,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketTasks, bucketDebts, bucketSessions, bucketVersions, bucketReports} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// IsHealthy reports whether the database is still responsive to a
// read-only transaction; used as the store's contribution to a liveness
// probe.
func (s *Store) IsHealthy() bool {
	err := s.db.View(func(tx *bbolt.Tx) error { return nil })
	return err == nil
}

// Checkpoint is a placeholder hook for scheduled maintenance: bbolt
// compacts its freelist on its own, so this simply confirms the db is
// still writable. It exists as the explicit thing the teacher's Scheduler
// cron job (scheduler.go) calls between workflow triggers, generalized to
// run against a DAG-execution store instead of a workflow store.
func (s *Store) Checkpoint() error {
	return s.db.Update(func(tx *bbolt.Tx) error { return nil })
}

// SaveRun upserts a run snapshot, archiving the prior snapshot stored under
// the same run id first if one exists (spec-supplemented run versioning,
// grounded on persistence.go PutWorkflow).
func (s *Store) SaveRun(snap RunSnapshot) error {
	snap.UpdatedAt = time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshaling run %s: %w", snap.RunID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if prior := runs.Get([]byte(snap.RunID)); prior != nil {
			versions := tx.Bucket(bucketVersions)
			vKey := []byte(fmt.Sprintf("%s/%d", snap.RunID, time.Now().UnixNano()))
			if err := versions.Put(vKey, prior); err != nil {
				return fmt.Errorf("archiving prior run %s: %w", snap.RunID, err)
			}
		}
		return runs.Put([]byte(snap.RunID), data)
	})
}

// GetRun fetches a single run by id.
func (s *Store) GetRun(runID string) (RunSnapshot, error) {
	var snap RunSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("store: run %s not found", runID)
		}
		return json.Unmarshal(data, &snap)
	})
	return snap, err
}

// ListRuns returns all persisted runs, optionally filtered by status,
// sorted by RunID for deterministic output.
func (s *Store) ListRuns(statusFilter string) ([]RunSnapshot, error) {
	var out []RunSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var snap RunSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if statusFilter == "" || snap.Status == statusFilter {
				out = append(out, snap)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, err
}

// DeleteRun removes a run's snapshot (archival history in bucketVersions is
// left intact for audit purposes).
func (s *Store) DeleteRun(runID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Delete([]byte(runID))
	})
}

// GetRunVersions returns every archived prior snapshot for a run id, most
// recent first.
func (s *Store) GetRunVersions(runID string) ([]RunSnapshot, error) {
	prefix := []byte(runID + "/")
	var out []RunSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var snap RunSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// SaveDebt upserts a debt record, keyed "<run_id>/<debt_id>" so
// ListDebts(runID) can prefix-scan.
func (s *Store) SaveDebt(d DebtSnapshot) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshaling debt %s: %w", d.ID, err)
	}
	key := debtKey(d.RunID, d.ID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDebts).Put(key, data)
	})
}

func debtKey(runID, debtID string) []byte {
	return []byte(fmt.Sprintf("%s/%s", runID, debtID))
}

// GetDebt fetches a single debt by run and debt id.
func (s *Store) GetDebt(runID, debtID string) (DebtSnapshot, error) {
	var d DebtSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDebts).Get(debtKey(runID, debtID))
		if data == nil {
			return fmt.Errorf("store: debt %s/%s not found", runID, debtID)
		}
		return json.Unmarshal(data, &d)
	})
	return d, err
}

// ListDebts returns debts for a single run, or every debt in the store when
// all is true (dagexecd's /v1/debts sets it when no run id is given, as
// `dagexecctl debt list` without --run-id does).
func (s *Store) ListDebts(runID string, all bool) ([]DebtSnapshot, error) {
	var out []DebtSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDebts)
		if all {
			return b.ForEach(func(k, v []byte) error {
				var d DebtSnapshot
				if err := json.Unmarshal(v, &d); err != nil {
					return err
				}
				out = append(out, d)
				return nil
			})
		}
		prefix := []byte(runID + "/")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var d DebtSnapshot
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// ResolveDebt marks a debt resolved in place.
func (s *Store) ResolveDebt(runID, debtID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDebts)
		key := debtKey(runID, debtID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("store: debt %s/%s not found", runID, debtID)
		}
		var d DebtSnapshot
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		d.Resolved = true
		out, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// SaveSession upserts an agent pool session shadow row.
func (s *Store) SaveSession(sess SessionSnapshot) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshaling session %s: %w", sess.AgentID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(sess.AgentID), data)
	})
}

// GetSession fetches a session row by agent id.
func (s *Store) GetSession(agentID string) (SessionSnapshot, error) {
	var sess SessionSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(agentID))
		if data == nil {
			return fmt.Errorf("store: session %s not found", agentID)
		}
		return json.Unmarshal(data, &sess)
	})
	return sess, err
}

// ListSessions returns every persisted session row.
func (s *Store) ListSessions() ([]SessionSnapshot, error) {
	var out []SessionSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess SessionSnapshot
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			out = append(out, sess)
			return nil
		})
	})
	return out, err
}

// DeleteSession removes a session row, used when the Agent Pool kills an
// agent outright.
func (s *Store) DeleteSession(agentID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(agentID))
	})
}

// SaveReport writes a run's terminal Report under key "report:<run_id>"
// (spec §6 "Persisted report"). A report is write-once: a second call for
// the same run id overwrites nothing in practice since dagexecd's run
// handler only calls this once per run, but the store itself does not enforce
// immutability beyond that convention.
func (s *Store) SaveReport(runID string, reportJSON []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReports).Put(reportKey(runID), reportJSON)
	})
}

// GetReport fetches a previously persisted report's raw JSON by run id.
func (s *Store) GetReport(runID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketReports).Get(reportKey(runID))
		if data == nil {
			return fmt.Errorf("store: report for run %s not found", runID)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func reportKey(runID string) []byte {
	return []byte("report:" + runID)
}

// Hydrate implements spec §4.2's crash-recovery contract: every persisted
// task still marked Running when the process last stopped could not have
// finished, so it's reopened as Ready with its attempt counter bumped, and
// its owning run's snapshot is rewritten. Returns the ids of runs that were
// touched (dagexecd logs them; Scheduler.RestoreRuns later reloads every
// persisted run, touched or not).
func (s *Store) Hydrate() ([]string, error) {
	var touched []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		return runs.ForEach(func(k, v []byte) error {
			var snap RunSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			changed := false
			for i := range snap.Tasks {
				if snap.Tasks[i].Status == "running" {
					snap.Tasks[i].Status = "ready"
					snap.Tasks[i].Attempts++
					changed = true
				}
			}
			if !changed {
				return nil
			}
			snap.UpdatedAt = time.Now()
			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			touched = append(touched, snap.RunID)
			return runs.Put(k, data)
		})
	})
	sort.Strings(touched)
	return touched, err
}
