package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"milapp/internal/domain"
	"milapp/internal/lifecycle"
	"milapp/internal/notify"
	"milapp/internal/store"
	"milapp/internal/telemetry"
)

type TransitionRequest struct {
	ProjectID  string
	Target     domain.Stage
	ActorID    string
	ActorRole  string
	Completion *lifecycle.Completion
}

// TransitionResult reports what happened to a transition request. Audit is
// the entry written for it; Gate is set when entering the new stage
// initialized the gate that leaves it.
type TransitionResult struct {
	Accepted bool                        `json:"accepted"`
	Project  domain.Project              `json:"project"`
	Reasons  []lifecycle.Reason          `json:"reasons,omitempty"`
	Audit    domain.TransitionAuditEntry `json:"audit"`
	Gate     *domain.QualityGate         `json:"gate,omitempty"`
	Warnings []string                    `json:"warnings,omitempty"`
}

// RequestTransition moves a project to req.Target when policy allows it.
// Accepted moves save the project, append the audit entry and initialize
// the next gate in one transaction. Refusals return the result together
// with a *RejectedError; their audit entry is best-effort.
func (e Engine) RequestTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	ctx, span := e.tracer().Start(ctx, "engine.RequestTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", req.ProjectID),
		attribute.String("stage.target", string(req.Target)),
	)

	if req.ActorID == "" {
		return TransitionResult{}, errors.New("actor is required")
	}
	p, version, err := e.Store.LoadProject(ctx, req.ProjectID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("load project %s: %w", req.ProjectID, err)
	}
	if p.Archived {
		return TransitionResult{Project: p}, ErrProjectArchived
	}
	vgates, err := e.Store.LoadGatesForProject(ctx, p.ID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("load gates for %s: %w", p.ID, err)
	}
	now := e.now()
	span.SetAttributes(attribute.String("stage.from", string(p.Stage)))

	dec, err := lifecycle.Authorize(lifecycle.AuthorizeInput{
		Project:    p,
		Target:     req.Target,
		Gates:      store.Gates(vgates),
		Actor:      e.actor(req.ActorID, req.ActorRole),
		Completion: req.Completion,
		Now:        now,
	}, e.Policy)
	if err != nil {
		res := e.rejectTransition(ctx, p, req, []lifecycle.Reason{{Code: lifecycle.ReasonInvalidGateData, Message: err.Error()}}, now)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid gate data")
		return res, err
	}
	if !dec.Accepted {
		res := e.rejectTransition(ctx, p, req, dec.Reasons, now)
		return res, &RejectedError{Reasons: dec.Reasons}
	}

	kind := domain.AuditAdvance
	if dec.Revert {
		kind = domain.AuditRevert
	}
	next := dec.Project
	next.UpdatedAt = now
	entry := e.auditEntry(p, req, kind, domain.AuditAccepted, nil, now)

	var gate *domain.QualityGate
	var warnings []string
	err = e.Store.WithinTx(ctx, func(tx store.Store) error {
		if _, err := tx.SaveProjectIfVersion(ctx, next, version); err != nil {
			return err
		}
		if err := tx.AppendAuditEntry(ctx, entry); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		if dec.Revert {
			return nil
		}
		g, warn, err := e.autoInitGate(ctx, tx, next, store.Gates(vgates), req.ActorID, now)
		gate, warnings = g, warn
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		reasons := []lifecycle.Reason{{
			Code:    lifecycle.ReasonConcurrentModification,
			Message: fmt.Sprintf("project %s changed after version %d was read", p.ID, version),
		}}
		e.rejectTransition(ctx, p, req, reasons, now)
		return TransitionResult{Project: p, Reasons: reasons}, ErrConcurrentModification
	}
	if err != nil {
		span.RecordError(err)
		return TransitionResult{}, err
	}

	telemetry.Count(ctx, e.Telemetry.Transitions,
		attribute.String("decision", string(domain.AuditAccepted)),
		attribute.String("kind", string(kind)))
	evtType := notify.EventStageAdvanced
	if dec.Revert {
		evtType = notify.EventStageReverted
	}
	warnings = append(warnings, e.publish(ctx, notify.Event{
		Type:      evtType,
		ProjectID: p.ID,
		ActorID:   req.ActorID,
		From:      p.Stage,
		To:        next.Stage,
		Timestamp: now,
	})...)
	if gate != nil {
		warnings = append(warnings, e.publish(ctx, gateEvent(notify.EventGateInitialized, *gate, req.ActorID, now))...)
	}
	e.log().Info("stage transition accepted",
		"project_id", p.ID, "from", p.Stage, "to", next.Stage, "actor_id", req.ActorID, "kind", kind)
	return TransitionResult{
		Accepted: true,
		Project:  next,
		Audit:    entry,
		Gate:     gate,
		Warnings: warnings,
	}, nil
}

// rejectTransition records a refused request. The audit append is not part
// of any transaction and its failure is only a warning.
func (e Engine) rejectTransition(ctx context.Context, p domain.Project, req TransitionRequest, reasons []lifecycle.Reason, now time.Time) TransitionResult {
	kind := domain.AuditAdvance
	if lifecycle.IsBackwardTransition(p.Stage, req.Target) {
		kind = domain.AuditRevert
	}
	entry := e.auditEntry(p, req, kind, domain.AuditRejected, reasons, now)
	res := TransitionResult{Project: p, Reasons: reasons, Audit: entry}
	if err := e.Store.AppendAuditEntry(ctx, entry); err != nil {
		e.log().Warn("audit append failed for rejected transition", "project_id", p.ID, "to", req.Target, "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("audit entry not recorded: %v", err))
	}
	telemetry.Count(ctx, e.Telemetry.Transitions,
		attribute.String("decision", string(domain.AuditRejected)),
		attribute.String("kind", string(kind)))
	e.log().Info("stage transition rejected",
		"project_id", p.ID, "from", p.Stage, "to", req.Target, "actor_id", req.ActorID, "reasons", reasonStrings(reasons))
	return res
}

func (e Engine) auditEntry(p domain.Project, req TransitionRequest, kind domain.AuditKind, decision domain.AuditDecision, reasons []lifecycle.Reason, now time.Time) domain.TransitionAuditEntry {
	return domain.TransitionAuditEntry{
		ID:        e.newID(),
		ProjectID: p.ID,
		From:      p.Stage,
		To:        req.Target,
		ActorID:   req.ActorID,
		ActorRole: req.ActorRole,
		Kind:      kind,
		Decision:  decision,
		Reasons:   reasonStrings(reasons),
		Timestamp: now,
	}
}
