// Package condition implements dag.ConditionEvaluator with google/cel-go,
// filling in the evaluation the teacher's dag_engine.go left as
// `// TODO: Implement full expression evaluation` (evaluateCondition always
// returned true). Expressions run over the run context map[string]any the
// DAG holds (see dag.SetRunContext); the DAG does not add upstream outputs
// to that map on its own.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and caches CEL programs by expression text so a
// Condition reused across many DAG instances (e.g. a recurring scheduled
// workflow) only pays compilation cost once.
type Evaluator struct {
	mu    sync.Mutex
	env   *cel.Env
	cache map[string]cel.Program
}

// New builds an Evaluator. The declared variable "ctx" is a dynamic map,
// letting expressions read entries of the run context as ctx.key.field or
// ctx["some-key"].field without the caller declaring fields up front.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition: building cel env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Eval compiles (or reuses a cached compilation of) expr and runs it
// against context, returning its boolean result. A non-boolean result is
// an error, matching CEL's use as a guard language rather than a general
// scripting one.
func (e *Evaluator) Eval(expr string, context map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"ctx": context})
	if err != nil {
		return false, fmt.Errorf("condition: evaluating %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: expression %q did not evaluate to bool, got %T", expr, out.Value())
	}
	return b, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition: compiling %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition: building program for %q: %w", expr, err)
	}
	e.cache[expr] = prg
	return prg, nil
}
