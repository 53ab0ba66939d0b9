package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"milapp/internal/config"
	"milapp/internal/domain"
	"milapp/internal/engine/auth"
	"milapp/internal/lifecycle"
	"milapp/internal/notify"
	"milapp/internal/store"
	"milapp/internal/telemetry"
)

// Approver placeholders name a project role. They are resolved when the
// gate is created and again on every later decision or refresh; a seat
// that stays unresolved keeps the gate from being approved.
const (
	approverArchitect    = "$architect"
	approverProductOwner = "$product_owner"
)

type GateInitOptions struct {
	ProjectID string
	Type      string
	ActorID   string
	ActorRole string
}

// GateDecision is one actor's input to a gate. Scores are keyed by
// criterion key. Approve and Reject are mutually exclusive.
type GateDecision struct {
	GateID    string
	ActorID   string
	ActorRole string
	Scores    map[string]float64
	Approve   bool
	Reject    bool
	Comment   string
	Notes     string
}

func (d GateDecision) signs() bool { return d.Approve || d.Reject }

func (d GateDecision) mutates() bool { return d.signs() || len(d.Scores) > 0 }

// InitGate creates the gate of the given type for a project from its
// configured template.
func (e Engine) InitGate(ctx context.Context, opts GateInitOptions) (domain.QualityGate, []string, error) {
	ctx, span := e.tracer().Start(ctx, "engine.InitGate")
	defer span.End()

	if err := e.Auth.Require(opts.ActorRole, auth.CapGateInit); err != nil {
		return domain.QualityGate{}, nil, err
	}
	p, _, err := e.Store.LoadProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.QualityGate{}, nil, fmt.Errorf("load project %s: %w", opts.ProjectID, err)
	}
	if p.Archived {
		return domain.QualityGate{}, nil, ErrProjectArchived
	}
	tmpl, ok := e.Config.GateTemplate(opts.Type)
	if !ok {
		return domain.QualityGate{}, nil, fmt.Errorf("unknown gate type %q", opts.Type)
	}
	existing, err := e.Store.LoadGatesForProject(ctx, p.ID)
	if err != nil {
		return domain.QualityGate{}, nil, err
	}
	for _, v := range existing {
		if v.Gate.Type == tmpl.Type {
			return domain.QualityGate{}, nil, fmt.Errorf("gate %s already initialized for project %s", tmpl.Type, p.ID)
		}
	}
	now := e.now()
	g, warnings, err := e.buildGate(p, tmpl, now)
	if err != nil {
		return domain.QualityGate{}, nil, err
	}
	if _, err := e.Store.InsertGate(ctx, g); err != nil {
		return domain.QualityGate{}, nil, fmt.Errorf("insert gate: %w", err)
	}
	for _, w := range warnings {
		e.log().Warn("gate initialized with warnings", "project_id", p.ID, "gate", g.Type, "warning", w)
	}
	warnings = append(warnings, e.publish(ctx, gateEvent(notify.EventGateInitialized, g, opts.ActorID, now))...)
	return g, warnings, nil
}

// autoInitGate creates the gate leaving p's stage when the project has none
// of that type yet.
func (e Engine) autoInitGate(ctx context.Context, tx store.Store, p domain.Project, existing []domain.QualityGate, actorID string, now time.Time) (*domain.QualityGate, []string, error) {
	rule, ok := e.Policy.GateLeaving(p.Stage)
	if !ok {
		return nil, nil, nil
	}
	for _, g := range existing {
		if g.Type == rule.Type {
			return nil, nil, nil
		}
	}
	tmpl, ok := e.Config.GateTemplate(rule.Type)
	if !ok {
		return nil, nil, fmt.Errorf("no template for gate %s", rule.Type)
	}
	g, warnings, err := e.buildGate(p, tmpl, now)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.InsertGate(ctx, g); err != nil {
		return nil, nil, fmt.Errorf("insert gate %s: %w", g.Type, err)
	}
	e.log().Debug("gate auto-initialized", "project_id", p.ID, "gate", g.Type, "actor_id", actorID)
	return &g, warnings, nil
}

func (e Engine) buildGate(p domain.Project, tmpl config.GateTemplate, now time.Time) (domain.QualityGate, []string, error) {
	approvers, warnings := resolveApprovers(tmpl.Approvers, p)
	g := domain.QualityGate{
		ID:                e.newID(),
		ProjectID:         p.ID,
		Type:              tmpl.Type,
		Name:              tmpl.Name,
		From:              domain.Stage(tmpl.From),
		To:                domain.Stage(tmpl.To),
		Criteria:          tmpl.DomainCriteria(),
		RequiredApprovers: approvers,
		Status:            domain.GatePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if tmpl.PassThreshold != nil {
		v := *tmpl.PassThreshold
		g.PassThreshold = &v
	}
	if tmpl.SLAHours > 0 {
		deadline := now.Add(time.Duration(tmpl.SLAHours) * time.Hour)
		g.SLADeadline = &deadline
	}
	warnings = append(warnings, e.scoreAutomated(&g, p, now)...)
	ev, err := lifecycle.Evaluate(g, e.Policy)
	if err != nil {
		return domain.QualityGate{}, nil, fmt.Errorf("gate %s: %w", g.Type, err)
	}
	ev.Apply(&g)
	return g, warnings, nil
}

// resolveApprovers maps placeholders to the project's actors. Unset roles
// keep their placeholder seat and produce a warning.
func resolveApprovers(raw []string, p domain.Project) ([]string, []string) {
	var out, warnings []string
	seen := map[string]bool{}
	for _, a := range raw {
		id := strings.TrimSpace(a)
		switch id {
		case approverArchitect:
			id = placeholderOr(id, p.AssignedArchitect)
		case approverProductOwner:
			id = placeholderOr(id, p.ProductOwner)
		}
		if domain.IsApproverPlaceholder(id) {
			warnings = append(warnings, fmt.Sprintf("approver %s is not set on project %s; the gate cannot be approved until it is", id, p.ID))
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, warnings
}

func placeholderOr(placeholder string, actor *string) string {
	if v := deref(actor); v != "" {
		return v
	}
	return placeholder
}

// fillApprovers resolves the placeholder seats left on g from the
// project's current architect and product owner.
func fillApprovers(g domain.QualityGate, p domain.Project) domain.QualityGate {
	if len(g.UnresolvedApprovers()) == 0 {
		return g
	}
	out := g.Clone()
	out.RequiredApprovers, _ = resolveApprovers(g.RequiredApprovers, p)
	return out
}

// withProjectApprovers loads g's project when g still has placeholder
// seats and fills them.
func (e Engine) withProjectApprovers(ctx context.Context, g domain.QualityGate) (domain.QualityGate, error) {
	if len(g.UnresolvedApprovers()) == 0 || g.Status.Terminal() {
		return g, nil
	}
	p, _, err := e.Store.LoadProject(ctx, g.ProjectID)
	if err != nil {
		return domain.QualityGate{}, fmt.Errorf("load project %s: %w", g.ProjectID, err)
	}
	return fillApprovers(g, p), nil
}

// scoreAutomated rescores every criterion with an expression. A failing
// expression scores zero and yields a warning.
func (e Engine) scoreAutomated(g *domain.QualityGate, p domain.Project, now time.Time) []string {
	if e.Rules == nil {
		return nil
	}
	var warnings []string
	for i := range g.Criteria {
		c := &g.Criteria[i]
		if !c.Automated || c.Expr == "" {
			continue
		}
		score, err := e.Rules.Score(c.Expr, p, now)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("criterion %s: %v", c.Key, err))
			score = 0
		}
		at := now
		c.Score = score
		c.Passed = score >= c.Minimum
		c.UpdatedBy = systemActor
		c.UpdatedAt = &at
	}
	return warnings
}

// RecordGateDecision applies scores, an approval or rejection, and notes
// to a gate, then re-evaluates it. It never moves the project. A lost
// version race is retried once against the fresh gate unless the other
// writer touched the same criteria or this actor's approval. Notification
// failures come back as warnings.
func (e Engine) RecordGateDecision(ctx context.Context, d GateDecision) (domain.QualityGate, []string, error) {
	ctx, span := e.tracer().Start(ctx, "engine.RecordGateDecision")
	defer span.End()
	span.SetAttributes(attribute.String("gate.id", d.GateID))

	if d.ActorID == "" {
		return domain.QualityGate{}, nil, errors.New("actor is required")
	}
	if d.Approve && d.Reject {
		return domain.QualityGate{}, nil, errors.New("approve and reject are mutually exclusive")
	}
	if !d.mutates() && strings.TrimSpace(d.Notes) == "" {
		return domain.QualityGate{}, nil, errors.New("decision has no scores, approval or notes")
	}

	g, version, err := e.Store.LoadGate(ctx, d.GateID)
	if err != nil {
		return domain.QualityGate{}, nil, fmt.Errorf("load gate %s: %w", d.GateID, err)
	}
	now := e.now()
	next, err := e.prepareDecision(ctx, g, d, now)
	if err != nil {
		return domain.QualityGate{}, nil, err
	}
	err = e.saveDecision(ctx, next, version, d, now)
	if errors.Is(err, store.ErrConflict) {
		cur, curVersion, lerr := e.Store.LoadGate(ctx, d.GateID)
		if lerr != nil {
			return domain.QualityGate{}, nil, fmt.Errorf("reload gate %s: %w", d.GateID, lerr)
		}
		if overlaps(g, cur, d) {
			e.log().Info("gate decision conflicts with concurrent update", "gate_id", d.GateID, "actor_id", d.ActorID)
			return domain.QualityGate{}, nil, ErrConcurrentModification
		}
		if next, err = e.prepareDecision(ctx, cur, d, now); err != nil {
			return domain.QualityGate{}, nil, err
		}
		err = e.saveDecision(ctx, next, curVersion, d, now)
	}
	if err != nil {
		return domain.QualityGate{}, nil, conflictOrErr(err)
	}

	telemetry.Count(ctx, e.Telemetry.GateDecisions, attribute.String("status", string(next.Status)))
	warnings := e.publish(ctx, gateEvent(notify.EventGateDecision, next, d.ActorID, now))
	e.log().Info("gate decision recorded",
		"gate_id", next.ID, "gate", next.Type, "actor_id", d.ActorID, "status", next.Status, "score", next.Score)
	return next, warnings, nil
}

// prepareDecision fills placeholder seats, checks d against g and returns
// the updated gate.
func (e Engine) prepareDecision(ctx context.Context, g domain.QualityGate, d GateDecision, now time.Time) (domain.QualityGate, error) {
	g, err := e.withProjectApprovers(ctx, g)
	if err != nil {
		return domain.QualityGate{}, err
	}
	if err := e.checkDecision(g, d); err != nil {
		return domain.QualityGate{}, err
	}
	return e.applyDecision(g, d, now)
}

func (e Engine) checkDecision(g domain.QualityGate, d GateDecision) error {
	if g.Status.Terminal() && d.mutates() {
		return fmt.Errorf("gate %s is %s: %w", g.ID, g.Status, ErrGateFinalized)
	}
	for key, score := range d.Scores {
		c, ok := g.Criterion(key)
		if !ok {
			return fmt.Errorf("gate %s has no criterion %q", g.Type, key)
		}
		if c.Automated {
			return fmt.Errorf("criterion %s is scored automatically; refresh the gate instead", key)
		}
		if score < 0 || score > 100 || math.IsNaN(score) {
			return fmt.Errorf("%w: criterion %s score %.2f outside [0,100]", lifecycle.ErrInvalidGateData, key, score)
		}
	}
	if d.signs() && !g.IsRequiredApprover(d.ActorID) {
		return auth.NotApproverError{ActorID: d.ActorID, GateID: g.ID}
	}
	if len(d.Scores) > 0 && !g.IsRequiredApprover(d.ActorID) && !e.Auth.Can(d.ActorRole, auth.CapGateScore) {
		return auth.ForbiddenError{Permission: auth.CapGateScore}
	}
	return nil
}

func (e Engine) applyDecision(g domain.QualityGate, d GateDecision, now time.Time) (domain.QualityGate, error) {
	next := g.Clone()
	for i := range next.Criteria {
		c := &next.Criteria[i]
		score, ok := d.Scores[c.Key]
		if !ok {
			continue
		}
		at := now
		c.Score = score
		c.Passed = score >= c.Minimum
		c.UpdatedBy = d.ActorID
		c.UpdatedAt = &at
	}
	if d.signs() {
		a := domain.Approval{ActorID: d.ActorID, Decision: domain.DecisionApprove, Comment: d.Comment, At: now}
		if d.Reject {
			a.Decision = domain.DecisionReject
		}
		replaced := false
		for i := range next.Approvals {
			if next.Approvals[i].ActorID == d.ActorID {
				next.Approvals[i] = a
				replaced = true
			}
		}
		if !replaced {
			next.Approvals = append(next.Approvals, a)
		}
	}
	if text := strings.TrimSpace(d.Notes); text != "" {
		next.Notes = append(next.Notes, domain.Note{ActorID: d.ActorID, Text: text, At: now})
	}
	if !g.Status.Terminal() {
		ev, err := lifecycle.Evaluate(next, e.Policy)
		if err != nil {
			return domain.QualityGate{}, err
		}
		ev.Apply(&next)
	}
	next.UpdatedAt = now
	return next, nil
}

func (e Engine) saveDecision(ctx context.Context, next domain.QualityGate, version int64, d GateDecision, now time.Time) error {
	return e.Store.WithinTx(ctx, func(tx store.Store) error {
		if _, err := tx.SaveGateIfVersion(ctx, next, version); err != nil {
			return err
		}
		return tx.AppendAuditEntry(ctx, domain.TransitionAuditEntry{
			ID:        e.newID(),
			ProjectID: next.ProjectID,
			GateID:    next.ID,
			From:      next.From,
			To:        next.To,
			ActorID:   d.ActorID,
			ActorRole: d.ActorRole,
			Kind:      domain.AuditGateDecision,
			Decision:  domain.AuditAccepted,
			Reasons:   []string{describeDecision(next, d)},
			Timestamp: now,
		})
	})
}

// overlaps reports whether the concurrent change from before to after
// touched anything d also writes.
func overlaps(before, after domain.QualityGate, d GateDecision) bool {
	if d.mutates() && after.Status.Terminal() && !before.Status.Terminal() {
		return true
	}
	for key := range d.Scores {
		b, _ := before.Criterion(key)
		a, _ := after.Criterion(key)
		if a.Score != b.Score || a.Passed != b.Passed {
			return true
		}
	}
	if d.signs() {
		b, bok := before.ApprovalBy(d.ActorID)
		a, aok := after.ApprovalBy(d.ActorID)
		if aok != bok || a.Decision != b.Decision || !a.At.Equal(b.At) {
			return true
		}
	}
	return false
}

func describeDecision(g domain.QualityGate, d GateDecision) string {
	var parts []string
	if len(d.Scores) > 0 {
		keys := make([]string, 0, len(d.Scores))
		for k := range d.Scores {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "scored "+strings.Join(keys, ", "))
	}
	switch {
	case d.Approve:
		parts = append(parts, "approved")
	case d.Reject:
		parts = append(parts, "rejected")
	}
	if strings.TrimSpace(d.Notes) != "" {
		parts = append(parts, "added note")
	}
	return fmt.Sprintf("gate %s %s; status %s, score %.2f", g.Type, strings.Join(parts, ", "), g.Status, g.Score)
}

// RefreshAutomatedCriteria rescores expression-backed criteria from the
// current project state.
func (e Engine) RefreshAutomatedCriteria(ctx context.Context, gateID, actorID, actorRole string) (domain.QualityGate, []string, error) {
	ctx, span := e.tracer().Start(ctx, "engine.RefreshAutomatedCriteria")
	defer span.End()

	if err := e.Auth.Require(actorRole, auth.CapGateScore); err != nil {
		return domain.QualityGate{}, nil, err
	}
	g, version, err := e.Store.LoadGate(ctx, gateID)
	if err != nil {
		return domain.QualityGate{}, nil, fmt.Errorf("load gate %s: %w", gateID, err)
	}
	if g.Status.Terminal() {
		return domain.QualityGate{}, nil, fmt.Errorf("gate %s is %s: %w", g.ID, g.Status, ErrGateFinalized)
	}
	p, _, err := e.Store.LoadProject(ctx, g.ProjectID)
	if err != nil {
		return domain.QualityGate{}, nil, fmt.Errorf("load project %s: %w", g.ProjectID, err)
	}
	now := e.now()
	next := fillApprovers(g, p).Clone()
	warnings := e.scoreAutomated(&next, p, now)
	ev, err := lifecycle.Evaluate(next, e.Policy)
	if err != nil {
		return domain.QualityGate{}, nil, err
	}
	ev.Apply(&next)
	next.UpdatedAt = now
	if _, err := e.Store.SaveGateIfVersion(ctx, next, version); err != nil {
		return domain.QualityGate{}, nil, conflictOrErr(err)
	}
	e.log().Debug("automated criteria refreshed", "gate_id", g.ID, "actor_id", actorID, "status", next.Status)
	return next, warnings, nil
}

// EscalateOverdueGates marks every open gate past its SLA deadline as
// escalated, audits it and notifies. Gates already escalated are skipped;
// a gate another writer changed meanwhile is left for the next run.
func (e Engine) EscalateOverdueGates(ctx context.Context, actorID, actorRole string) ([]domain.QualityGate, []string, error) {
	ctx, span := e.tracer().Start(ctx, "engine.EscalateOverdueGates")
	defer span.End()

	if err := e.Auth.Require(actorRole, auth.CapGateEscalate); err != nil {
		return nil, nil, err
	}
	projects, err := e.Store.ListProjects(ctx, store.ProjectFilter{})
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	var escalated []domain.QualityGate
	var warnings []string
	for _, p := range projects {
		vgates, err := e.Store.LoadGatesForProject(ctx, p.ID)
		if err != nil {
			return escalated, warnings, fmt.Errorf("load gates for %s: %w", p.ID, err)
		}
		for _, v := range vgates {
			g := v.Gate
			if g.EscalatedAt != nil || !lifecycle.SLAExpired(g, now) {
				continue
			}
			next := g.Clone()
			at := now
			next.EscalatedAt = &at
			next.UpdatedAt = now
			err := e.Store.WithinTx(ctx, func(tx store.Store) error {
				if _, err := tx.SaveGateIfVersion(ctx, next, v.Version); err != nil {
					return err
				}
				return tx.AppendAuditEntry(ctx, domain.TransitionAuditEntry{
					ID:        e.newID(),
					ProjectID: p.ID,
					GateID:    g.ID,
					From:      g.From,
					To:        g.To,
					ActorID:   actorID,
					ActorRole: actorRole,
					Kind:      domain.AuditEscalation,
					Decision:  domain.AuditAccepted,
					Reasons:   []string{fmt.Sprintf("gate %s SLA deadline %s passed with status %s", g.Type, g.SLADeadline.Format(time.RFC3339), g.Status)},
					Timestamp: now,
				})
			})
			if errors.Is(err, store.ErrConflict) {
				e.log().Warn("gate changed during escalation", "gate_id", g.ID)
				continue
			}
			if err != nil {
				return escalated, warnings, err
			}
			escalated = append(escalated, next)
			telemetry.Count(ctx, e.Telemetry.Escalations, attribute.String("gate", g.Type))
			warnings = append(warnings, e.publish(ctx, gateEvent(notify.EventGateEscalated, next, actorID, now))...)
		}
	}
	if len(escalated) > 0 {
		e.log().Info("gates escalated", "count", len(escalated))
	}
	return escalated, warnings, nil
}

func (e Engine) GetGate(ctx context.Context, id string) (domain.QualityGate, error) {
	g, _, err := e.Store.LoadGate(ctx, id)
	return g, err
}

func (e Engine) ListGates(ctx context.Context, projectID string) ([]domain.QualityGate, error) {
	if _, _, err := e.Store.LoadProject(ctx, projectID); err != nil {
		return nil, err
	}
	vgates, err := e.Store.LoadGatesForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return store.Gates(vgates), nil
}

// EvaluateGate re-evaluates a stored gate without changing it.
func (e Engine) EvaluateGate(ctx context.Context, id string) (lifecycle.Evaluation, error) {
	g, _, err := e.Store.LoadGate(ctx, id)
	if err != nil {
		return lifecycle.Evaluation{}, err
	}
	return lifecycle.EvaluateAt(g, e.Policy, e.now())
}

func gateEvent(typ string, g domain.QualityGate, actorID string, now time.Time) notify.Event {
	return notify.Event{
		Type:      typ,
		ProjectID: g.ProjectID,
		GateID:    g.ID,
		ActorID:   actorID,
		From:      g.From,
		To:        g.To,
		Status:    string(g.Status),
		Timestamp: now,
		Payload:   map[string]any{"type": g.Type, "score": g.Score},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
