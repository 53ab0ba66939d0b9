package lifecycle

import (
	"fmt"

	"milapp/internal/domain"
)

// Quorum selects how many required approvers must approve a gate.
type Quorum string

const (
	QuorumAll      Quorum = "all"
	QuorumMajority Quorum = "majority"
)

const DefaultPassThreshold = 70.0

// GateRule marks a stage boundary as gated by a gate of Type.
type GateRule struct {
	Type     string
	Boundary Boundary
}

// Policy is the configurable part of the lifecycle rules.
type Policy struct {
	PassThreshold  float64
	Quorum         Quorum
	AllowSkipStage bool
	Gates          []GateRule
}

// DefaultGates returns the G1..G4 boundaries.
func DefaultGates() []GateRule {
	return []GateRule{
		{Type: "G1", Boundary: Boundary{From: domain.StageAnaliseViabilidade, To: domain.StagePrototipoRapido}},
		{Type: "G2", Boundary: Boundary{From: domain.StageValidacaoPrototipo, To: domain.StageMVP}},
		{Type: "G3", Boundary: Boundary{From: domain.StageTesteOperacional, To: domain.StageEscalaEntrega}},
		{Type: "G4", Boundary: Boundary{From: domain.StageAcompanhamentoPosEntrega, To: domain.StageSustentacaoEvolucao}},
	}
}

func DefaultPolicy() Policy {
	return Policy{
		PassThreshold: DefaultPassThreshold,
		Quorum:        QuorumAll,
		Gates:         DefaultGates(),
	}
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	if p.PassThreshold < 0 || p.PassThreshold > 100 {
		return fmt.Errorf("%w: pass threshold %.2f outside [0,100]", ErrInvalidGateData, p.PassThreshold)
	}
	switch p.Quorum {
	case "", QuorumAll, QuorumMajority:
	default:
		return fmt.Errorf("unknown approval quorum %q", p.Quorum)
	}
	seenType := map[string]bool{}
	seenBoundary := map[Boundary]bool{}
	for _, g := range p.Gates {
		if g.Type == "" {
			return fmt.Errorf("gate rule for %s has no type", g.Boundary)
		}
		if !g.Boundary.Adjacent() {
			return fmt.Errorf("gate %s boundary %s does not join adjacent stages", g.Type, g.Boundary)
		}
		if seenType[g.Type] {
			return fmt.Errorf("duplicate gate type %s", g.Type)
		}
		if seenBoundary[g.Boundary] {
			return fmt.Errorf("boundary %s gated twice", g.Boundary)
		}
		seenType[g.Type] = true
		seenBoundary[g.Boundary] = true
	}
	return nil
}

// GateAt returns the rule guarding b.
func (p Policy) GateAt(b Boundary) (GateRule, bool) {
	for _, g := range p.Gates {
		if g.Boundary == b {
			return g, true
		}
	}
	return GateRule{}, false
}

// GateLeaving returns the rule guarding the boundary that starts at s.
func (p Policy) GateLeaving(s domain.Stage) (GateRule, bool) {
	for _, g := range p.Gates {
		if g.Boundary.From == s {
			return g, true
		}
	}
	return GateRule{}, false
}

func (p Policy) threshold(g domain.QualityGate) float64 {
	if g.PassThreshold != nil {
		return *g.PassThreshold
	}
	return p.PassThreshold
}
