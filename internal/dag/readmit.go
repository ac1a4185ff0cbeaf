package dag

import "fmt"

// Readmit is used only by debt resolution (spec §4.5 resolve_debt,
// resume=true): it treats a Failed task as if it had just Completed, for
// the sole purpose of re-running dependent fan-out, without requiring the
// normal Running/AwaitingConfirmation precondition ApplyResult enforces.
// outputOverride becomes the task's recorded output if non-nil; otherwise
// the task's existing (failure) output is left as-is.
func (d *DAG) Readmit(id string, outputOverride []byte) ([]string, error) {
	if !d.initialized {
		return nil, ErrNotInitialized
	}
	i, ok := d.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := d.nodes[i]
	if n.status != StatusFailed {
		return nil, fmt.Errorf("%w: task %s is %s, not failed", ErrInvalidTransition, id, n.status)
	}
	n.status = StatusCompleted
	if outputOverride != nil {
		n.output = outputOverride
	}

	var newlyReady []string
	for _, j := range n.depOf {
		dn := d.nodes[j]
		if dn.status != StatusPending && dn.status != StatusSkipped {
			continue
		}
		if dn.status == StatusSkipped {
			// A previously transitive-skipped dependent becomes
			// reconsiderable only if every one of its dependencies is now
			// satisfied; skip was not necessarily caused solely by this
			// task.
			if !d.allDepsSatisfied(j) {
				continue
			}
			dn.status = StatusPending
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
