package server

import (
	"time"

	"milapp/internal/domain"
	"milapp/internal/engine"
	"milapp/internal/lifecycle"
)

// Request payloads

type CreateProjectRequest struct {
	ID                string     `json:"id,omitempty"`
	Name              string     `json:"name" minLength:"1"`
	Description       string     `json:"description,omitempty"`
	Priority          *int       `json:"priority,omitempty" minimum:"1" maximum:"5"`
	Methodology       string     `json:"methodology,omitempty" enum:"scrum,kanban,waterfall,agile"`
	ComplexityScore   *int       `json:"complexity_score,omitempty" minimum:"0" maximum:"10"`
	EstimatedROI      *float64   `json:"estimated_roi,omitempty"`
	StartDate         *time.Time `json:"start_date,omitempty" format:"date-time"`
	TargetDate        *time.Time `json:"target_date,omitempty" format:"date-time"`
	AssignedArchitect *string    `json:"assigned_architect,omitempty"`
	ProductOwner      *string    `json:"product_owner,omitempty"`
}

type TransitionRequest struct {
	Target    string   `json:"target" doc:"Stage to move the project to"`
	ActualROI *float64 `json:"actual_roi,omitempty" doc:"Required when the target is concluido"`
}

type InitGateRequest struct {
	Type string `json:"type" example:"G2"`
}

type GateDecisionRequest struct {
	Scores   map[string]float64 `json:"scores,omitempty"`
	Decision string             `json:"decision,omitempty" enum:"approve,reject"`
	Comment  string             `json:"comment,omitempty"`
	Notes    string             `json:"notes,omitempty"`
}

// Response payloads

type StageResponse struct {
	Stage    domain.Stage `json:"stage"`
	Label    string       `json:"label"`
	Progress int          `json:"progress"`
	// Gate is the type of the gate guarding the move out of this stage.
	Gate string `json:"gate,omitempty"`
}

type TransitionResponse struct {
	Accepted bool                        `json:"accepted"`
	Project  domain.Project              `json:"project"`
	Audit    domain.TransitionAuditEntry `json:"audit"`
	Gate     *domain.QualityGate         `json:"gate,omitempty"`
	Warnings []string                    `json:"warnings,omitempty"`
}

// GateResponse carries a gate and the non-fatal warnings of the call that
// produced it.
type GateResponse struct {
	Gate     domain.QualityGate `json:"gate"`
	Warnings []string           `json:"warnings,omitempty"`
}

type EscalationResponse struct {
	Escalated []domain.QualityGate `json:"escalated"`
	Warnings  []string             `json:"warnings,omitempty"`
}

// Huma outputs

type projectOutput struct {
	Body domain.Project
}

type projectsOutput struct {
	Body []domain.Project
}

type gateOutput struct {
	Body domain.QualityGate
}

type gatesOutput struct {
	Body []domain.QualityGate
}

type auditOutput struct {
	Body []domain.TransitionAuditEntry
}

type transitionOutput struct {
	Body TransitionResponse
}

type gateResultOutput struct {
	Body GateResponse
}

type evaluationOutput struct {
	Body lifecycle.Evaluation
}

type healthOutput struct {
	Body engine.ProjectHealth
}

type stagesOutput struct {
	Body []StageResponse
}

type escalationOutput struct {
	Body EscalationResponse
}

func stageResponses(p lifecycle.Policy) []StageResponse {
	stages := lifecycle.OrderedStages()
	out := make([]StageResponse, 0, len(stages))
	for _, s := range stages {
		r := StageResponse{Stage: s, Label: lifecycle.Label(s), Progress: lifecycle.ProgressPercent(s)}
		if rule, ok := p.GateLeaving(s); ok {
			r.Gate = rule.Type
		}
		out = append(out, r)
	}
	return out
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		Accepted: res.Accepted,
		Project:  res.Project,
		Audit:    res.Audit,
		Gate:     res.Gate,
		Warnings: res.Warnings,
	}
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
