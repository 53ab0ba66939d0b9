package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"milapp/internal/domain"
	"milapp/internal/engine/auth"
	"milapp/internal/notify"
	"milapp/internal/store"
)

var methodologies = map[string]bool{"scrum": true, "kanban": true, "waterfall": true, "agile": true}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID                string
	Name              string
	Description       string
	Priority          *int
	Methodology       string
	ComplexityScore   *int
	EstimatedROI      *float64
	StartDate         *time.Time
	TargetDate        *time.Time
	AssignedArchitect *string
	ProductOwner      *string
	ActorID           string
	ActorRole         string
}

// ProjectPatch lists descriptive fields to change. Nil leaves a field as
// is; an empty architect or product owner clears it. The stage is not
// editable here.
type ProjectPatch struct {
	Name              *string    `json:"name,omitempty"`
	Description       *string    `json:"description,omitempty"`
	Priority          *int       `json:"priority,omitempty" minimum:"1" maximum:"5"`
	Methodology       *string    `json:"methodology,omitempty" enum:"scrum,kanban,waterfall,agile"`
	ComplexityScore   *int       `json:"complexity_score,omitempty" minimum:"0" maximum:"10"`
	EstimatedROI      *float64   `json:"estimated_roi,omitempty"`
	StartDate         *time.Time `json:"start_date,omitempty" format:"date-time"`
	TargetDate        *time.Time `json:"target_date,omitempty" format:"date-time"`
	AssignedArchitect *string    `json:"assigned_architect,omitempty"`
	ProductOwner      *string    `json:"product_owner,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ProjectPatch) Empty() bool {
	return p == ProjectPatch{}
}

type ProjectUpdateOptions struct {
	ID        string
	Patch     ProjectPatch
	ActorID   string
	ActorRole string
}

// CreateProject stores a new project in the first stage and audits it.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	ctx, span := e.tracer().Start(ctx, "engine.CreateProject")
	defer span.End()

	if opts.ActorID == "" {
		return domain.Project{}, errors.New("actor is required")
	}
	if err := e.Auth.Require(opts.ActorRole, auth.CapProjectCreate); err != nil {
		return domain.Project{}, err
	}
	now := e.now()
	p := domain.Project{
		ID:                strings.TrimSpace(opts.ID),
		Name:              strings.TrimSpace(opts.Name),
		Description:       opts.Description,
		Stage:             domain.StageIdeacao,
		Priority:          opts.Priority,
		Methodology:       opts.Methodology,
		ComplexityScore:   opts.ComplexityScore,
		EstimatedROI:      opts.EstimatedROI,
		StartDate:         opts.StartDate,
		TargetDate:        opts.TargetDate,
		AssignedArchitect: blankToNil(opts.AssignedArchitect),
		ProductOwner:      blankToNil(opts.ProductOwner),
		CreatedBy:         opts.ActorID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.ID == "" {
		p.ID = e.newID()
	}
	if err := validateDetails(p); err != nil {
		return domain.Project{}, err
	}
	span.SetAttributes(attribute.String("project.id", p.ID))

	var created *domain.QualityGate
	var warnings []string
	err := e.Store.WithinTx(ctx, func(tx store.Store) error {
		if _, err := tx.InsertProject(ctx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := tx.AppendAuditEntry(ctx, domain.TransitionAuditEntry{
			ID:        e.newID(),
			ProjectID: p.ID,
			To:        p.Stage,
			ActorID:   opts.ActorID,
			ActorRole: opts.ActorRole,
			Kind:      domain.AuditCreate,
			Decision:  domain.AuditAccepted,
			Timestamp: now,
		}); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		g, warn, err := e.autoInitGate(ctx, tx, p, nil, opts.ActorID, now)
		created, warnings = g, warn
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	for _, w := range warnings {
		e.log().Warn("gate initialized with warnings", "project_id", p.ID, "warning", w)
	}
	e.publish(ctx, notify.Event{Type: notify.EventProjectCreated, ProjectID: p.ID, ActorID: opts.ActorID, To: p.Stage, Timestamp: now})
	if created != nil {
		e.publish(ctx, gateEvent(notify.EventGateInitialized, *created, opts.ActorID, now))
	}
	e.log().Info("project created", "project_id", p.ID, "actor_id", opts.ActorID)
	return p, nil
}

// UpdateProjectDetails applies a patch to descriptive fields with a
// version-checked write.
func (e Engine) UpdateProjectDetails(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	ctx, span := e.tracer().Start(ctx, "engine.UpdateProjectDetails")
	defer span.End()

	if err := e.Auth.Require(opts.ActorRole, auth.CapProjectUpdate); err != nil {
		return domain.Project{}, err
	}
	p, version, err := e.Store.LoadProject(ctx, opts.ID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load project %s: %w", opts.ID, err)
	}
	if p.Archived {
		return domain.Project{}, ErrProjectArchived
	}
	if opts.Patch.Empty() {
		return p, nil
	}
	next := applyPatch(p, opts.Patch)
	if err := validateDetails(next); err != nil {
		return domain.Project{}, err
	}
	next.UpdatedAt = e.now()
	if _, err := e.Store.SaveProjectIfVersion(ctx, next, version); err != nil {
		return domain.Project{}, conflictOrErr(err)
	}
	e.publish(ctx, notify.Event{Type: notify.EventProjectUpdated, ProjectID: next.ID, ActorID: opts.ActorID, Timestamp: next.UpdatedAt})
	return next, nil
}

// ArchiveProject hides a project from default listings. Archived projects
// accept no further changes.
func (e Engine) ArchiveProject(ctx context.Context, id, actorID, actorRole string) (domain.Project, error) {
	ctx, span := e.tracer().Start(ctx, "engine.ArchiveProject")
	defer span.End()

	if err := e.Auth.Require(actorRole, auth.CapProjectArchive); err != nil {
		return domain.Project{}, err
	}
	p, version, err := e.Store.LoadProject(ctx, id)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load project %s: %w", id, err)
	}
	if p.Archived {
		return p, nil
	}
	p.Archived = true
	p.UpdatedAt = e.now()
	if _, err := e.Store.SaveProjectIfVersion(ctx, p, version); err != nil {
		return domain.Project{}, conflictOrErr(err)
	}
	e.publish(ctx, notify.Event{Type: notify.EventProjectArchived, ProjectID: p.ID, ActorID: actorID, Timestamp: p.UpdatedAt})
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, _, err := e.Store.LoadProject(ctx, id)
	return p, err
}

func (e Engine) ListProjects(ctx context.Context, f store.ProjectFilter) ([]domain.Project, error) {
	return e.Store.ListProjects(ctx, f)
}

func applyPatch(p domain.Project, patch ProjectPatch) domain.Project {
	out := p.Clone()
	if patch.Name != nil {
		out.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		out.Description = *patch.Description
	}
	if patch.Priority != nil {
		v := *patch.Priority
		out.Priority = &v
	}
	if patch.Methodology != nil {
		out.Methodology = *patch.Methodology
	}
	if patch.ComplexityScore != nil {
		v := *patch.ComplexityScore
		out.ComplexityScore = &v
	}
	if patch.EstimatedROI != nil {
		v := *patch.EstimatedROI
		out.EstimatedROI = &v
	}
	if patch.StartDate != nil {
		v := patch.StartDate.UTC()
		out.StartDate = &v
	}
	if patch.TargetDate != nil {
		v := patch.TargetDate.UTC()
		out.TargetDate = &v
	}
	if patch.AssignedArchitect != nil {
		out.AssignedArchitect = blankToNil(patch.AssignedArchitect)
	}
	if patch.ProductOwner != nil {
		out.ProductOwner = blankToNil(patch.ProductOwner)
	}
	return out
}

func validateDetails(p domain.Project) error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Priority != nil && (*p.Priority < 1 || *p.Priority > 5) {
		return fmt.Errorf("priority %d outside 1..5", *p.Priority)
	}
	if p.ComplexityScore != nil && (*p.ComplexityScore < 0 || *p.ComplexityScore > 10) {
		return fmt.Errorf("complexity score %d outside 0..10", *p.ComplexityScore)
	}
	if p.Methodology != "" && !methodologies[p.Methodology] {
		return fmt.Errorf("unknown methodology %q", p.Methodology)
	}
	if p.StartDate != nil && p.TargetDate != nil && p.TargetDate.Before(*p.StartDate) {
		return errors.New("target date is before start date")
	}
	return nil
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
