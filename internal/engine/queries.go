package engine

import (
	"context"

	"milapp/internal/domain"
	"milapp/internal/lifecycle"
	"milapp/internal/store"
)

// ProjectHealth pairs a project's health with its stage progress.
type ProjectHealth struct {
	ProjectID string           `json:"project_id"`
	Stage     domain.Stage     `json:"stage"`
	Label     string           `json:"label"`
	Progress  int              `json:"progress"`
	Health    lifecycle.Health `json:"health"`
}

// ComputeHealth scores a stored project against the current clock.
func (e Engine) ComputeHealth(ctx context.Context, projectID string) (ProjectHealth, error) {
	p, _, err := e.Store.LoadProject(ctx, projectID)
	if err != nil {
		return ProjectHealth{}, err
	}
	return ProjectHealth{
		ProjectID: p.ID,
		Stage:     p.Stage,
		Label:     lifecycle.Label(p.Stage),
		Progress:  lifecycle.ProgressPercent(p.Stage),
		Health:    lifecycle.ComputeHealth(p, e.now()),
	}, nil
}

func (e Engine) ProgressPercent(s domain.Stage) int {
	return lifecycle.ProgressPercent(s)
}

func (e Engine) ListAudit(ctx context.Context, f store.AuditFilter) ([]domain.TransitionAuditEntry, error) {
	return e.Store.ListAudit(ctx, f)
}
