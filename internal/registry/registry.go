// Package registry indexes skills by id behind immutable, revisioned snapshots.
package registry

import (
	"sort"
	"sync"

	"loopline/internal/domain"
)

// Snapshot is one generation of the registry. It is never mutated after publication.
type Snapshot struct {
	revision int64
	skills   map[string]domain.Skill
	ids      []string
}

// NewSnapshot builds a standalone snapshot, mostly for tests and one-shot validation.
func NewSnapshot(revision int64, skills []domain.Skill) *Snapshot {
	s := &Snapshot{revision: revision, skills: make(map[string]domain.Skill, len(skills))}
	for _, sk := range skills {
		s.skills[sk.ID] = sk.Clone()
	}
	s.ids = make([]string, 0, len(s.skills))
	for id := range s.skills {
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
	return s
}

func (s *Snapshot) Revision() int64 {
	if s == nil {
		return 0
	}
	return s.revision
}

func (s *Snapshot) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.skills[id]
	return ok
}

// Get returns a copy of the skill.
func (s *Snapshot) Get(id string) (domain.Skill, bool) {
	if s == nil {
		return domain.Skill{}, false
	}
	sk, ok := s.skills[id]
	if !ok {
		return domain.Skill{}, false
	}
	return sk.Clone(), true
}

// Guarantees returns the declared guarantees of a skill.
func (s *Snapshot) Guarantees(id string) []domain.Guarantee {
	sk, ok := s.Get(id)
	if !ok {
		return nil
	}
	return sk.Guarantees
}

func (s *Snapshot) RequiredByDefault(id string) bool {
	sk, ok := s.Get(id)
	return ok && sk.RequiredByDefault
}

// List returns every skill ordered by id.
func (s *Snapshot) List() []domain.Skill {
	if s == nil {
		return nil
	}
	out := make([]domain.Skill, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.skills[id].Clone())
	}
	return out
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.skills)
}

// Changed lists the ids whose content differs between prev and s, including
// ids present in only one of them.
func (s *Snapshot) Changed(prev *Snapshot) map[string]struct{} {
	out := map[string]struct{}{}
	if s != nil {
		for id, sk := range s.skills {
			old, ok := prev.lookup(id)
			if !ok || old.Checksum != sk.Checksum || !sameSkill(old, sk) {
				out[id] = struct{}{}
			}
		}
	}
	if prev != nil {
		for id := range prev.skills {
			if !s.Has(id) {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

func (s *Snapshot) lookup(id string) (domain.Skill, bool) {
	if s == nil {
		return domain.Skill{}, false
	}
	sk, ok := s.skills[id]
	return sk, ok
}

func sameSkill(a, b domain.Skill) bool {
	if a.RequiredByDefault != b.RequiredByDefault || len(a.Guarantees) != len(b.Guarantees) {
		return false
	}
	for i := range a.Guarantees {
		if a.Guarantees[i] != b.Guarantees[i] {
			return false
		}
	}
	return true
}

// Registry publishes snapshots. Readers always see a complete generation.
type Registry struct {
	mu       sync.RWMutex
	current  *Snapshot
	revision int64
}

func New() *Registry {
	r := &Registry{}
	r.current = NewSnapshot(0, nil)
	return r
}

// Snapshot returns the current generation.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Replace swaps in a new generation built from skills and returns it together
// with the one it replaced.
func (r *Registry) Replace(skills []domain.Skill) (next, prev *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision++
	prev = r.current
	next = NewSnapshot(r.revision, skills)
	r.current = next
	return next, prev
}
