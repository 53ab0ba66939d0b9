// Package store defines the persistence contract the engine depends on.
package store

import (
	"context"
	"errors"

	"milapp/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write saw a different version.
	ErrConflict = errors.New("version conflict")
)

type VersionedGate struct {
	Gate    domain.QualityGate
	Version int64
}

type ProjectFilter struct {
	Stage           domain.Stage
	IncludeArchived bool
	Limit           int
}

type AuditFilter struct {
	ProjectID string
	GateID    string
	Kind      domain.AuditKind
	Limit     int
}

// Store persists projects, gates and the audit trail. Versions start at 1
// and increase by one on every successful conditional save.
type Store interface {
	LoadProject(ctx context.Context, id string) (domain.Project, int64, error)
	ListProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error)
	InsertProject(ctx context.Context, p domain.Project) (int64, error)
	SaveProjectIfVersion(ctx context.Context, p domain.Project, expected int64) (int64, error)

	LoadGate(ctx context.Context, id string) (domain.QualityGate, int64, error)
	LoadGatesForProject(ctx context.Context, projectID string) ([]VersionedGate, error)
	InsertGate(ctx context.Context, g domain.QualityGate) (int64, error)
	SaveGateIfVersion(ctx context.Context, g domain.QualityGate, expected int64) (int64, error)

	AppendAuditEntry(ctx context.Context, e domain.TransitionAuditEntry) error
	// ListAudit returns entries newest first.
	ListAudit(ctx context.Context, f AuditFilter) ([]domain.TransitionAuditEntry, error)

	// WithinTx runs fn against a store bound to one transaction. The
	// transaction commits only if fn returns nil.
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// Gates strips versions from vs.
func Gates(vs []VersionedGate) []domain.QualityGate {
	out := make([]domain.QualityGate, len(vs))
	for i, v := range vs {
		out[i] = v.Gate
	}
	return out
}
