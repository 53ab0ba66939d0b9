package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"milapp/internal/domain"
)

// CapabilityRevert lets a role move a project to an earlier stage.
const CapabilityRevert = "stage.revert"

type ReasonCode string

const (
	ReasonNoOp                   ReasonCode = "NoOpTransition"
	ReasonInsufficientPermission ReasonCode = "InsufficientPermission"
	ReasonGateNotInitialized     ReasonCode = "GateNotInitialized"
	ReasonGateNotApproved        ReasonCode = "GateNotApproved"
	ReasonMissingCompletionData  ReasonCode = "MissingCompletionData"
	ReasonStageSkipNotAllowed    ReasonCode = "StageSkipNotAllowed"
	ReasonInvalidStage           ReasonCode = "InvalidStage"
	ReasonConcurrentModification ReasonCode = "ConcurrentModification"
	ReasonInvalidGateData        ReasonCode = "InvalidGateData"
)

// Reason explains why a transition was refused.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

func (r Reason) String() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Actor is the caller of a transition with the capabilities of its role.
type Actor struct {
	ID           string
	Role         string
	Capabilities []string
}

// Can reports whether the actor holds capability c. "*" grants everything.
func (a Actor) Can(c string) bool {
	for _, have := range a.Capabilities {
		if have == c || have == "*" {
			return true
		}
	}
	return false
}

// Completion carries the data required to enter the concluded stage.
type Completion struct {
	ActualROI *float64 `json:"actual_roi,omitempty"`
}

type AuthorizeInput struct {
	Project    domain.Project
	Target     domain.Stage
	Gates      []domain.QualityGate
	Actor      Actor
	Completion *Completion
	Now        time.Time
}

// Decision is the authorizer's verdict. When Accepted, Project holds the
// state to persist.
type Decision struct {
	Accepted bool
	Revert   bool
	Project  domain.Project
	Reasons  []Reason
}

// Authorize decides whether in.Project may move to in.Target. Policy
// refusals come back as reasons; the error is reserved for malformed gates
// (ErrInvalidGateData).
func Authorize(in AuthorizeInput, p Policy) (Decision, error) {
	from, to := in.Project.Stage, in.Target
	reject := func(rs ...Reason) (Decision, error) {
		return Decision{Project: in.Project, Reasons: rs}, nil
	}

	if !ValidStage(to) {
		return reject(Reason{ReasonInvalidStage, fmt.Sprintf("unknown stage %q", to)})
	}
	if !ValidStage(from) {
		return reject(Reason{ReasonInvalidStage, fmt.Sprintf("project is in unknown stage %q", from)})
	}
	if from == to {
		return reject(Reason{ReasonNoOp, fmt.Sprintf("project already in %s", to)})
	}

	if IsBackwardTransition(from, to) {
		if !in.Actor.Can(CapabilityRevert) {
			return reject(Reason{ReasonInsufficientPermission,
				fmt.Sprintf("role %q cannot revert %s to %s", in.Actor.Role, from, to)})
		}
		out := in.Project.Clone()
		out.Stage = to
		if from == domain.StageConcluido {
			out.CompletedDate = nil
			out.ActualROI = nil
		}
		return Decision{Accepted: true, Revert: true, Project: out}, nil
	}

	var reasons []Reason
	boundaries := BoundariesBetween(from, to)
	gated := 0
	for _, b := range boundaries {
		rule, ok := p.GateAt(b)
		if !ok {
			continue
		}
		gated++
		r, err := gateReason(rule, in.Gates, p)
		if err != nil {
			return Decision{Project: in.Project}, err
		}
		if r != nil {
			reasons = append(reasons, *r)
		}
	}
	if len(boundaries) > 1 && (gated > 0 || !p.AllowSkipStage) {
		msg := fmt.Sprintf("%s to %s crosses %d boundaries", from, to, len(boundaries))
		if gated > 0 {
			msg += "; gated boundaries must be crossed one at a time"
		}
		reasons = append(reasons, Reason{ReasonStageSkipNotAllowed, msg})
	}

	var roi *float64
	if in.Completion != nil {
		roi = in.Completion.ActualROI
	}
	if to == domain.StageConcluido && roi == nil {
		reasons = append(reasons, Reason{ReasonMissingCompletionData, "actual ROI is required to conclude a project"})
	}

	if len(reasons) > 0 {
		return reject(reasons...)
	}
	out := in.Project.Clone()
	out.Stage = to
	if to == domain.StageConcluido {
		v := *roi
		now := in.Now
		out.ActualROI = &v
		out.CompletedDate = &now
	}
	return Decision{Accepted: true, Project: out}, nil
}

func gateReason(rule GateRule, gates []domain.QualityGate, p Policy) (*Reason, error) {
	g, ok := findGate(gates, rule)
	if !ok {
		return &Reason{ReasonGateNotInitialized,
			fmt.Sprintf("gate %s for %s has not been initialized", rule.Type, rule.Boundary)}, nil
	}
	ev, err := Evaluate(g, p)
	if err != nil {
		return nil, fmt.Errorf("gate %s: %w", g.Type, err)
	}
	if ev.Verdict == domain.GateApproved {
		return nil, nil
	}
	return &Reason{ReasonGateNotApproved, describeGate(g.Type, ev)}, nil
}

func findGate(gates []domain.QualityGate, rule GateRule) (domain.QualityGate, bool) {
	for _, g := range gates {
		if g.Type == rule.Type && g.From == rule.Boundary.From && g.To == rule.Boundary.To {
			return g, true
		}
	}
	return domain.QualityGate{}, false
}

func describeGate(gateType string, ev Evaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "gate %s not approved (%s)", gateType, ev.Verdict)
	var parts []string
	if len(ev.Rejectors) > 0 {
		parts = append(parts, "rejected by "+strings.Join(ev.Rejectors, ", "))
	}
	if len(ev.FailedCriteria) > 0 {
		parts = append(parts, "failed criteria: "+strings.Join(ev.FailedCriteria, ", "))
	}
	if ev.Score < ev.Threshold {
		parts = append(parts, fmt.Sprintf("score %.2f below %.2f", ev.Score, ev.Threshold))
	}
	if missing := withoutAll(ev.MissingApprovers, ev.Rejectors); len(missing) > 0 {
		parts = append(parts, "missing approval from "+strings.Join(missing, ", "))
	}
	if len(parts) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, "; "))
	}
	return b.String()
}

func withoutAll(list, drop []string) []string {
	var out []string
	for _, v := range list {
		skip := false
		for _, d := range drop {
			if v == d {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, v)
		}
	}
	return out
}
