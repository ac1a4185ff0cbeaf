// Package skillreg implements the external Skill Registry collaborator
// (spec §6 "resolve(skill_name, method, params) -> command, typed_io").
// It is grounded on crates/cis-capability/src/skill/mod.rs's SkillEngine
// (a name-keyed registry of metadata+handlers) and
// cis-core/src/skill/builtin.rs's installer, simplified to the single
// resolve operation the executor actually needs.
package skillreg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/swarmguard/dagexec/internal/dag"
)

var ErrUnknownSkill = errors.New("skillreg: unknown skill")

// Descriptor is one registered skill's metadata (spec §6; named after
// SkillMetadata in the original).
type Descriptor struct {
	Name        string
	Method      string
	Command     string // runtime-neutral command template, e.g. "git.commit"
	Description string
}

// Registry is an in-memory skill name+method -> command lookup. The
// executor's SkillResolver is satisfied by *Registry directly.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Descriptor // keyed by "name/method"
}

func New() *Registry {
	return &Registry{skills: make(map[string]Descriptor)}
}

func key(name, method string) string { return name + "/" + method }

// Register adds or replaces a skill descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[key(d.Name, d.Method)] = d
}

// Resolve implements executor.SkillResolver: it looks up the task's
// skill/method pair and returns the command a runtime adapter should
// dispatch. Params are not interpreted here, and the executor does not
// forward them in the dispatch request either.
func (r *Registry) Resolve(ctx context.Context, skill dag.SkillRef) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.skills[key(skill.Name, skill.Method)]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownSkill, skill.Name, skill.Method)
	}
	return d.Command, nil
}

// List returns every registered descriptor, sorted by name then method.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.skills))
	for _, d := range r.skills {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Method < out[j].Method
	})
	return out
}
