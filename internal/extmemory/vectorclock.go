// Package extmemory implements the external Memory/vector-store
// collaborator boundary (spec §6) and the causal Vector Clock type used to
// order concurrent writes to shared run context. It is grounded on
// original_source/cis-core/src/memory/guard/vector_clock.rs and
// memory/ops/{set,search,sync}.rs, translated into the teacher's
// interface-plus-in-memory-stub idiom rather than the original's
// Arc<MemoryServiceState> actor style.
package extmemory

// Relation is the result of comparing two VectorClocks, mirroring the
// Rust original's VectorClockRelation enum.
type Relation int

const (
	RelationEqual Relation = iota
	RelationBefore
	RelationAfter
	RelationConcurrent
)

// VectorClock tracks per-node write counters so two replicas of the same
// key can tell whether one write causally preceded the other or whether
// they raced (spec §9 "concurrent writes to shared context should be
// ordered, not silently last-write-wins" supplement, pulled from
// vector_clock.rs since the spec itself left this undecided).
type VectorClock struct {
	counters map[string]uint64
}

func NewVectorClock() VectorClock {
	return VectorClock{counters: make(map[string]uint64)}
}

// Increment bumps nodeID's own counter, called before a node stamps a
// write with its current clock.
func (vc VectorClock) Increment(nodeID string) VectorClock {
	next := vc.clone()
	next.counters[nodeID]++
	return next
}

func (vc VectorClock) Get(nodeID string) uint64 {
	return vc.counters[nodeID]
}

func (vc VectorClock) clone() VectorClock {
	out := NewVectorClock()
	for k, v := range vc.counters {
		out.counters[k] = v
	}
	return out
}

// Merge takes the component-wise maximum of two clocks, as happens when a
// node observes a remote write and folds it into its own view.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.clone()
	for k, v := range other.counters {
		if v > out.counters[k] {
			out.counters[k] = v
		}
	}
	return out
}

// Compare implements the three-way causal comparison (spec'd in the
// original's doc comment): Equal when every component matches, Before/After
// when one clock dominates the other component-wise, Concurrent otherwise —
// a genuine write-write conflict the caller must resolve (e.g. by LWW on a
// wall-clock timestamp tie-broken by node id, per the original's stated
// scheme).
func (vc VectorClock) Compare(other VectorClock) Relation {
	leOther, geOther := true, true
	for k, v := range vc.all(other) {
		a, b := vc.counters[k], other.counters[k]
		_ = v
		if a > b {
			leOther = false
		}
		if a < b {
			geOther = false
		}
	}
	switch {
	case leOther && geOther:
		return RelationEqual
	case leOther:
		return RelationBefore
	case geOther:
		return RelationAfter
	default:
		return RelationConcurrent
	}
}

func (vc VectorClock) all(other VectorClock) map[string]struct{} {
	keys := make(map[string]struct{}, len(vc.counters)+len(other.counters))
	for k := range vc.counters {
		keys[k] = struct{}{}
	}
	for k := range other.counters {
		keys[k] = struct{}{}
	}
	return keys
}

// HappensBefore reports whether vc causally precedes other.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == RelationBefore
}

// Concurrent reports whether vc and other raced (neither dominates).
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == RelationConcurrent
}
