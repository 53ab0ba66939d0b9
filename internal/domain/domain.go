package domain

import (
	"strings"
	"time"
)

// Stage names a lifecycle stage. The set of valid values, their order and
// their metadata are owned by the lifecycle package.
type Stage string

const (
	StageIdeacao                  Stage = "ideacao"
	StageQualidadeProcessos       Stage = "qualidade_processos"
	StagePlanejamento             Stage = "planejamento"
	StageHipoteseFormulada        Stage = "hipotese_formulada"
	StageAnaliseViabilidade       Stage = "analise_viabilidade"
	StagePrototipoRapido          Stage = "prototipo_rapido"
	StageValidacaoPrototipo       Stage = "validacao_prototipo"
	StageMVP                      Stage = "mvp"
	StageTesteOperacional         Stage = "teste_operacional"
	StageEscalaEntrega            Stage = "escala_entrega"
	StageAcompanhamentoPosEntrega Stage = "acompanhamento_pos_entrega"
	StageSustentacaoEvolucao      Stage = "sustentacao_evolucao"
	StageConcluido                Stage = "concluido"
)

type Project struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Stage             Stage      `json:"stage"`
	Priority          *int       `json:"priority,omitempty" minimum:"1" maximum:"5"`
	Methodology       string     `json:"methodology,omitempty" enum:"scrum,kanban,waterfall,agile"`
	ComplexityScore   *int       `json:"complexity_score,omitempty" minimum:"0" maximum:"10"`
	EstimatedROI      *float64   `json:"estimated_roi,omitempty"`
	ActualROI         *float64   `json:"actual_roi,omitempty"`
	StartDate         *time.Time `json:"start_date,omitempty" format:"date-time"`
	TargetDate        *time.Time `json:"target_date,omitempty" format:"date-time"`
	CompletedDate     *time.Time `json:"completed_date,omitempty" format:"date-time"`
	AssignedArchitect *string    `json:"assigned_architect,omitempty"`
	ProductOwner      *string    `json:"product_owner,omitempty"`
	Archived          bool       `json:"archived"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time  `json:"updated_at" format:"date-time"`
}

// Clone returns a copy that shares no pointers with p.
func (p Project) Clone() Project {
	out := p
	out.Priority = clonePtr(p.Priority)
	out.ComplexityScore = clonePtr(p.ComplexityScore)
	out.EstimatedROI = clonePtr(p.EstimatedROI)
	out.ActualROI = clonePtr(p.ActualROI)
	out.StartDate = clonePtr(p.StartDate)
	out.TargetDate = clonePtr(p.TargetDate)
	out.CompletedDate = clonePtr(p.CompletedDate)
	out.AssignedArchitect = clonePtr(p.AssignedArchitect)
	out.ProductOwner = clonePtr(p.ProductOwner)
	return out
}

type GateStatus string

const (
	GatePending     GateStatus = "pending"
	GateApproved    GateStatus = "approved"
	GateRejected    GateStatus = "rejected"
	GateConditional GateStatus = "conditional"
)

// Terminal reports whether a gate in this status is frozen.
func (s GateStatus) Terminal() bool {
	return s == GateApproved || s == GateRejected
}

type Criterion struct {
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	Weight    float64    `json:"weight"`
	Minimum   float64    `json:"minimum"`
	Score     float64    `json:"score"`
	Passed    bool       `json:"passed"`
	Automated bool       `json:"automated"`
	Expr      string     `json:"expr,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" format:"date-time"`
}

type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

type Approval struct {
	ActorID  string           `json:"actor_id"`
	Decision ApprovalDecision `json:"decision" enum:"approve,reject"`
	Comment  string           `json:"comment,omitempty"`
	At       time.Time        `json:"at" format:"date-time"`
}

type Note struct {
	ActorID string    `json:"actor_id"`
	Text    string    `json:"text"`
	At      time.Time `json:"at" format:"date-time"`
}

type QualityGate struct {
	ID                string      `json:"id"`
	ProjectID         string      `json:"project_id"`
	Type              string      `json:"type"`
	Name              string      `json:"name"`
	From              Stage       `json:"from"`
	To                Stage       `json:"to"`
	Criteria          []Criterion `json:"criteria"`
	RequiredApprovers []string    `json:"required_approvers"`
	Approvals         []Approval  `json:"approvals"`
	Notes             []Note      `json:"notes,omitempty"`
	SLADeadline       *time.Time  `json:"sla_deadline,omitempty" format:"date-time"`
	EscalatedAt       *time.Time  `json:"escalated_at,omitempty" format:"date-time"`
	// A nil PassThreshold inherits the policy threshold.
	PassThreshold *float64   `json:"pass_threshold,omitempty"`
	Score         float64    `json:"score"`
	Status        GateStatus `json:"status" enum:"pending,approved,rejected,conditional"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy of g.
func (g QualityGate) Clone() QualityGate {
	out := g
	if g.Criteria != nil {
		out.Criteria = make([]Criterion, len(g.Criteria))
		for i, c := range g.Criteria {
			c.UpdatedAt = clonePtr(c.UpdatedAt)
			out.Criteria[i] = c
		}
	}
	out.RequiredApprovers = append([]string(nil), g.RequiredApprovers...)
	out.Approvals = append([]Approval(nil), g.Approvals...)
	out.Notes = append([]Note(nil), g.Notes...)
	out.SLADeadline = clonePtr(g.SLADeadline)
	out.EscalatedAt = clonePtr(g.EscalatedAt)
	out.PassThreshold = clonePtr(g.PassThreshold)
	return out
}

// Criterion returns the criterion with key, if present.
func (g QualityGate) Criterion(key string) (Criterion, bool) {
	for _, c := range g.Criteria {
		if c.Key == key {
			return c, true
		}
	}
	return Criterion{}, false
}

// ApprovalBy returns the latest decision recorded by actorID.
func (g QualityGate) ApprovalBy(actorID string) (Approval, bool) {
	for i := len(g.Approvals) - 1; i >= 0; i-- {
		if g.Approvals[i].ActorID == actorID {
			return g.Approvals[i], true
		}
	}
	return Approval{}, false
}

// IsRequiredApprover reports whether actorID must sign the gate.
func (g QualityGate) IsRequiredApprover(actorID string) bool {
	if IsApproverPlaceholder(actorID) {
		return false
	}
	for _, a := range g.RequiredApprovers {
		if a == actorID {
			return true
		}
	}
	return false
}

// UnresolvedApprovers lists the seats still naming a project role.
func (g QualityGate) UnresolvedApprovers() []string {
	var out []string
	for _, a := range g.RequiredApprovers {
		if IsApproverPlaceholder(a) {
			out = append(out, a)
		}
	}
	return out
}

// IsApproverPlaceholder reports whether s names a project role such as
// $architect instead of an actor. A placeholder seat cannot sign.
func IsApproverPlaceholder(s string) bool {
	return strings.HasPrefix(s, "$")
}

type AuditKind string

const (
	AuditCreate       AuditKind = "create"
	AuditAdvance      AuditKind = "advance"
	AuditRevert       AuditKind = "revert"
	AuditGateDecision AuditKind = "gate_decision"
	AuditEscalation   AuditKind = "escalation"
)

type AuditDecision string

const (
	AuditAccepted AuditDecision = "accepted"
	AuditRejected AuditDecision = "rejected"
)

type TransitionAuditEntry struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	GateID    string        `json:"gate_id,omitempty"`
	From      Stage         `json:"from"`
	To        Stage         `json:"to"`
	ActorID   string        `json:"actor_id"`
	ActorRole string        `json:"actor_role,omitempty"`
	Kind      AuditKind     `json:"kind" enum:"create,advance,revert,gate_decision,escalation"`
	Decision  AuditDecision `json:"decision" enum:"accepted,rejected"`
	Reasons   []string      `json:"reasons,omitempty"`
	Timestamp time.Time     `json:"timestamp" format:"date-time"`
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
