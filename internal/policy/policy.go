// Package policy implements a pluggable Run-policy evaluator using OPA's
// rego SDK, grounded on the teacher's services/policy-service/opa_engine.go
// OPAEngine (prepared-query-per-package, lazy compile from a directory of
// .rego files). dagexec's three built-in Policy constants
// (AllSuccess/FirstSuccess/AllowDebt, internal/dag's Policy enum) already
// cover the default run-completion semantics and remain the scheduler's
// fast path; this package exists for the operator who wants to swap that
// fixed three-way decision for a custom bundle (a different completion
// rule per team, or one that consults other signals standard Policy
// values can't express) without touching scheduler code.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-policy-agent/opa/rego"
)

// Input is the decision-time snapshot a bundle reasons over, mirroring the
// fields internal/scheduler's finalize already computes for its built-in
// switch.
type Input struct {
	Policy         string `json:"policy"`
	AnyCompleted   bool   `json:"any_completed"`
	AllSucceeded   bool   `json:"all_succeeded"`
	UnresolvedDebt bool   `json:"unresolved_debt"`
}

// Decision is the bundle's verdict for a run with no remaining ready work.
type Decision struct {
	Completed bool
	Paused    bool
}

// defaultModule reproduces dagexec's built-in Policy semantics exactly, so
// an Evaluator built with no policyDir behaves identically to the
// hardcoded switch it can stand in for. That switch completes every
// allow_debt run that reaches it: a run paused on unresolved Blocking debt
// is settled by the scheduler before any bundle is consulted.
const defaultModule = `package dagexec.runpolicy

default completed = false
default paused = false

completed {
	input.policy == "first_success"
	input.any_completed
}

completed {
	input.policy == "allow_debt"
}

completed {
	input.policy == "all_success"
	input.all_succeeded
}
`

// Evaluator holds a prepared query over a compiled bundle.
type Evaluator struct {
	query rego.PreparedEvalQuery
}

// New compiles the bundle at policyDir (every *.rego file under it) into
// an Evaluator. An empty policyDir falls back to the embedded default
// bundle above.
func New(ctx context.Context, policyDir string) (*Evaluator, error) {
	opts := []func(*rego.Rego){rego.Query("data.dagexec.runpolicy")}

	if policyDir == "" {
		opts = append(opts, rego.Module("runpolicy.rego", defaultModule))
	} else {
		files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("policy: globbing %s: %w", policyDir, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("policy: no .rego files found in %s", policyDir)
		}
		for _, f := range files {
			content, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("policy: reading %s: %w", f, err)
			}
			opts = append(opts, rego.Module(f, string(content)))
		}
	}

	q, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compiling bundle: %w", err)
	}
	return &Evaluator{query: q}, nil
}

// Decide evaluates in against the compiled bundle.
func (e *Evaluator) Decide(ctx context.Context, in Input) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: evaluating: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy: empty result set")
	}
	m, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy: unexpected result shape %T", rs[0].Expressions[0].Value)
	}
	completed, _ := m["completed"].(bool)
	paused, _ := m["paused"].(bool)
	return Decision{Completed: completed, Paused: paused}, nil
}
