package dag

import "errors"

var (
	// ErrDuplicateTask is returned by AddNode when a task ID is reused.
	ErrDuplicateTask = errors.New("dag: duplicate task id")
	// ErrUnknownDependency is returned by Validate when a task names a
	// dependency that was never added.
	ErrUnknownDependency = errors.New("dag: dependency references unknown task")
	// ErrCycle is returned by Validate when the graph is not acyclic.
	ErrCycle = errors.New("dag: cycle detected")
	// ErrEmptyDAG is returned by Validate/Initialize on a graph with no
	// tasks at all.
	ErrEmptyDAG = errors.New("dag: no tasks")
	// ErrNotInitialized is returned by operations that require Initialize
	// to have run first.
	ErrNotInitialized = errors.New("dag: not initialized")
	// ErrAlreadyInitialized is returned by AddNode once the graph is frozen.
	ErrAlreadyInitialized = errors.New("dag: already initialized")
	// ErrUnknownTask is returned by ApplyResult/View for an unrecognized id.
	ErrUnknownTask = errors.New("dag: unknown task id")
	// ErrInvalidTransition is returned when ApplyResult is called on a task
	// that is not currently Running or AwaitingConfirmation.
	ErrInvalidTransition = errors.New("dag: invalid status transition")
)
