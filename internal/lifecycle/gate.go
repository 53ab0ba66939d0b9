package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"time"

	"milapp/internal/domain"
)

// ErrInvalidGateData is returned when gate weights or thresholds are malformed.
var ErrInvalidGateData = errors.New("invalid gate data")

const weightTolerance = 0.001

// Evaluation is the outcome of evaluating a quality gate.
type Evaluation struct {
	GateID                 string            `json:"gate_id"`
	Type                   string            `json:"type"`
	Score                  float64           `json:"score"`
	Threshold              float64           `json:"threshold"`
	RequiredCriteriaPassed bool              `json:"required_criteria_passed"`
	ApprovalsComplete      bool              `json:"approvals_complete"`
	Verdict                domain.GateStatus `json:"verdict" enum:"pending,approved,rejected,conditional"`
	FailedCriteria         []string          `json:"failed_criteria,omitempty"`
	MissingApprovers       []string          `json:"missing_approvers,omitempty"`
	Rejectors              []string          `json:"rejectors,omitempty"`
	SLAExpired             bool              `json:"sla_expired"`
}

// ValidateCriteria checks weights sum to one and every bound is in [0,100].
func ValidateCriteria(criteria []domain.Criterion) error {
	if len(criteria) == 0 {
		return fmt.Errorf("%w: gate has no criteria", ErrInvalidGateData)
	}
	var sum float64
	for _, c := range criteria {
		if c.Weight < 0 || c.Weight > 1 {
			return fmt.Errorf("%w: criterion %s weight %.3f outside [0,1]", ErrInvalidGateData, c.Key, c.Weight)
		}
		if !inPercentRange(c.Minimum) {
			return fmt.Errorf("%w: criterion %s minimum %.2f outside [0,100]", ErrInvalidGateData, c.Key, c.Minimum)
		}
		if !inPercentRange(c.Score) {
			return fmt.Errorf("%w: criterion %s score %.2f outside [0,100]", ErrInvalidGateData, c.Key, c.Score)
		}
		sum += c.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.4f", ErrInvalidGateData, sum)
	}
	return nil
}

// Evaluate turns a gate's criteria and approvals into a verdict. It never
// reads the clock; SLAExpired stays false (see EvaluateAt).
func Evaluate(g domain.QualityGate, p Policy) (Evaluation, error) {
	if err := ValidateCriteria(g.Criteria); err != nil {
		return Evaluation{}, err
	}
	threshold := p.threshold(g)
	if !inPercentRange(threshold) {
		return Evaluation{}, fmt.Errorf("%w: pass threshold %.2f outside [0,100]", ErrInvalidGateData, threshold)
	}

	ev := Evaluation{GateID: g.ID, Type: g.Type, Threshold: threshold, RequiredCriteriaPassed: true}
	for _, c := range g.Criteria {
		ev.Score += c.Weight * c.Score
		if !c.Passed {
			ev.RequiredCriteriaPassed = false
			ev.FailedCriteria = append(ev.FailedCriteria, c.Key)
		}
	}
	ev.Score = math.Round(ev.Score*100) / 100

	approved := 0
	for _, actor := range g.RequiredApprovers {
		a, ok := g.ApprovalBy(actor)
		switch {
		case domain.IsApproverPlaceholder(actor):
			ev.MissingApprovers = append(ev.MissingApprovers, actor)
		case ok && a.Decision == domain.DecisionReject:
			ev.Rejectors = append(ev.Rejectors, actor)
			ev.MissingApprovers = append(ev.MissingApprovers, actor)
		case ok && a.Decision == domain.DecisionApprove:
			approved++
		default:
			ev.MissingApprovers = append(ev.MissingApprovers, actor)
		}
	}
	switch p.Quorum {
	case QuorumMajority:
		ev.ApprovalsComplete = len(g.RequiredApprovers) == 0 || approved*2 > len(g.RequiredApprovers)
	default:
		ev.ApprovalsComplete = approved == len(g.RequiredApprovers)
	}

	meetsScore := ev.Score >= threshold
	switch {
	case len(ev.Rejectors) > 0:
		ev.Verdict = domain.GateRejected
	case ev.ApprovalsComplete && !ev.RequiredCriteriaPassed && len(g.RequiredApprovers) > 0:
		// Signed off with a failing criterion. A gate nobody has to sign
		// stays open until its criteria are rescored.
		ev.Verdict = domain.GateRejected
	case ev.RequiredCriteriaPassed && ev.ApprovalsComplete && meetsScore:
		ev.Verdict = domain.GateApproved
	case ev.RequiredCriteriaPassed && meetsScore:
		ev.Verdict = domain.GateConditional
	default:
		ev.Verdict = domain.GatePending
	}
	return ev, nil
}

// EvaluateAt evaluates g and flags an elapsed SLA deadline.
func EvaluateAt(g domain.QualityGate, p Policy, now time.Time) (Evaluation, error) {
	ev, err := Evaluate(g, p)
	if err != nil {
		return ev, err
	}
	ev.SLAExpired = SLAExpired(g, now)
	return ev, nil
}

// SLAExpired reports whether a non-terminal gate is past its deadline.
func SLAExpired(g domain.QualityGate, now time.Time) bool {
	if g.SLADeadline == nil || g.Status.Terminal() {
		return false
	}
	return now.After(*g.SLADeadline)
}

// Apply stores the evaluation result on the gate.
func (ev Evaluation) Apply(g *domain.QualityGate) {
	g.Score = ev.Score
	g.Status = ev.Verdict
}

func inPercentRange(v float64) bool {
	return v >= 0 && v <= 100 && !math.IsNaN(v)
}
