// Package memory is an in-process store.Store used for demo mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"milapp/internal/domain"
	"milapp/internal/store"
)

type versionedProject struct {
	project domain.Project
	version int64
}

type state struct {
	projects map[string]versionedProject
	gates    map[string]store.VersionedGate
	audit    []domain.TransitionAuditEntry
}

func (s *state) clone() *state {
	out := &state{
		projects: make(map[string]versionedProject, len(s.projects)),
		gates:    make(map[string]store.VersionedGate, len(s.gates)),
		audit:    append([]domain.TransitionAuditEntry(nil), s.audit...),
	}
	for k, v := range s.projects {
		out.projects[k] = versionedProject{project: v.project.Clone(), version: v.version}
	}
	for k, v := range s.gates {
		out.gates[k] = store.VersionedGate{Gate: v.Gate.Clone(), Version: v.Version}
	}
	return out
}

// Store keeps everything in maps guarded by one mutex. Transactions work on
// a copy that replaces the live state on commit.
type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		mu: &sync.Mutex{},
		st: &state{
			projects: map[string]versionedProject{},
			gates:    map[string]store.VersionedGate{},
		},
	}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) WithinTx(ctx context.Context, fn func(store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	draft := &Store{mu: s.mu, st: s.st.clone(), inTx: true}
	if err := fn(draft); err != nil {
		return err
	}
	*s.st = *draft.st
	return nil
}

func (s *Store) LoadProject(_ context.Context, id string) (domain.Project, int64, error) {
	defer s.lock()()
	v, ok := s.st.projects[id]
	if !ok {
		return domain.Project{}, 0, store.ErrNotFound
	}
	return v.project.Clone(), v.version, nil
}

func (s *Store) ListProjects(_ context.Context, f store.ProjectFilter) ([]domain.Project, error) {
	defer s.lock()()
	var res []domain.Project
	for _, v := range s.st.projects {
		if v.project.Archived && !f.IncludeArchived {
			continue
		}
		if f.Stage != "" && v.project.Stage != f.Stage {
			continue
		}
		res = append(res, v.project.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *Store) InsertProject(_ context.Context, p domain.Project) (int64, error) {
	defer s.lock()()
	if _, ok := s.st.projects[p.ID]; ok {
		return 0, fmt.Errorf("insert project: %s already exists", p.ID)
	}
	s.st.projects[p.ID] = versionedProject{project: p.Clone(), version: 1}
	return 1, nil
}

func (s *Store) SaveProjectIfVersion(_ context.Context, p domain.Project, expected int64) (int64, error) {
	defer s.lock()()
	cur, ok := s.st.projects[p.ID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if cur.version != expected {
		return 0, store.ErrConflict
	}
	next := expected + 1
	s.st.projects[p.ID] = versionedProject{project: p.Clone(), version: next}
	return next, nil
}

func (s *Store) LoadGate(_ context.Context, id string) (domain.QualityGate, int64, error) {
	defer s.lock()()
	v, ok := s.st.gates[id]
	if !ok {
		return domain.QualityGate{}, 0, store.ErrNotFound
	}
	return v.Gate.Clone(), v.Version, nil
}

func (s *Store) LoadGatesForProject(_ context.Context, projectID string) ([]store.VersionedGate, error) {
	defer s.lock()()
	var res []store.VersionedGate
	for _, v := range s.st.gates {
		if v.Gate.ProjectID == projectID {
			res = append(res, store.VersionedGate{Gate: v.Gate.Clone(), Version: v.Version})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Gate.Type < res[j].Gate.Type })
	return res, nil
}

func (s *Store) InsertGate(_ context.Context, g domain.QualityGate) (int64, error) {
	defer s.lock()()
	if _, ok := s.st.gates[g.ID]; ok {
		return 0, fmt.Errorf("insert gate: %s already exists", g.ID)
	}
	if _, ok := s.st.projects[g.ProjectID]; !ok {
		return 0, fmt.Errorf("insert gate: project %s: %w", g.ProjectID, store.ErrNotFound)
	}
	for _, v := range s.st.gates {
		if v.Gate.ProjectID == g.ProjectID && v.Gate.Type == g.Type {
			return 0, fmt.Errorf("insert gate: project %s already has gate %s", g.ProjectID, g.Type)
		}
	}
	s.st.gates[g.ID] = store.VersionedGate{Gate: g.Clone(), Version: 1}
	return 1, nil
}

func (s *Store) SaveGateIfVersion(_ context.Context, g domain.QualityGate, expected int64) (int64, error) {
	defer s.lock()()
	cur, ok := s.st.gates[g.ID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if cur.Version != expected {
		return 0, store.ErrConflict
	}
	next := expected + 1
	s.st.gates[g.ID] = store.VersionedGate{Gate: g.Clone(), Version: next}
	return next, nil
}

func (s *Store) AppendAuditEntry(_ context.Context, e domain.TransitionAuditEntry) error {
	defer s.lock()()
	if e.ID == "" {
		return fmt.Errorf("audit entry id required")
	}
	e.Reasons = append([]string(nil), e.Reasons...)
	s.st.audit = append(s.st.audit, e)
	return nil
}

func (s *Store) ListAudit(_ context.Context, f store.AuditFilter) ([]domain.TransitionAuditEntry, error) {
	defer s.lock()()
	var res []domain.TransitionAuditEntry
	for i := len(s.st.audit) - 1; i >= 0; i-- {
		e := s.st.audit[i]
		if f.ProjectID != "" && e.ProjectID != f.ProjectID {
			continue
		}
		if f.GateID != "" && e.GateID != f.GateID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		e.Reasons = append([]string(nil), e.Reasons...)
		res = append(res, e)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}
