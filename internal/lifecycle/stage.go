// Package lifecycle holds the pure project lifecycle rules: the stage table,
// quality-gate evaluation, transition authorization and health scoring.
// Nothing in this package performs I/O or reads the clock.
package lifecycle

import (
	"fmt"
	"strings"

	"milapp/internal/domain"
)

type stageInfo struct {
	stage    domain.Stage
	label    string
	progress int
}

// stageTable is the canonical progression order. Every ordering, label and
// progress lookup goes through it.
var stageTable = []stageInfo{
	{domain.StageIdeacao, "Ideação", 5},
	{domain.StageQualidadeProcessos, "Qualidade de Processos", 10},
	{domain.StagePlanejamento, "Planejamento", 20},
	{domain.StageHipoteseFormulada, "Hipótese Formulada", 30},
	{domain.StageAnaliseViabilidade, "Análise de Viabilidade", 40},
	{domain.StagePrototipoRapido, "Protótipo Rápido", 50},
	{domain.StageValidacaoPrototipo, "Validação do Protótipo", 60},
	{domain.StageMVP, "MVP", 70},
	{domain.StageTesteOperacional, "Teste Operacional", 80},
	{domain.StageEscalaEntrega, "Escala e Entrega", 90},
	{domain.StageAcompanhamentoPosEntrega, "Acompanhamento Pós-Entrega", 95},
	{domain.StageSustentacaoEvolucao, "Sustentação e Evolução", 100},
	{domain.StageConcluido, "Concluído", 100},
}

var stageIndex = func() map[domain.Stage]int {
	m := make(map[domain.Stage]int, len(stageTable))
	for i, s := range stageTable {
		m[s.stage] = i
	}
	return m
}()

// OrderedStages returns the stages in canonical progression order.
func OrderedStages() []domain.Stage {
	out := make([]domain.Stage, len(stageTable))
	for i, s := range stageTable {
		out[i] = s.stage
	}
	return out
}

// ValidStage reports whether s is one of the defined stages.
func ValidStage(s domain.Stage) bool {
	_, ok := stageIndex[s]
	return ok
}

// ParseStage converts raw into a Stage, rejecting anything outside the table.
func ParseStage(raw string) (domain.Stage, error) {
	s := domain.Stage(strings.TrimSpace(raw))
	if !ValidStage(s) {
		return "", fmt.Errorf("invalid stage %q", raw)
	}
	return s, nil
}

// Index returns the position of s in the canonical order, or -1.
func Index(s domain.Stage) int {
	i, ok := stageIndex[s]
	if !ok {
		return -1
	}
	return i
}

// ProgressPercent maps a stage to its display progress. Unknown stages map
// to 0.
func ProgressPercent(s domain.Stage) int {
	i := Index(s)
	if i < 0 {
		return 0
	}
	return stageTable[i].progress
}

// Label returns the display label of s, or the raw value when unknown.
func Label(s domain.Stage) string {
	i := Index(s)
	if i < 0 {
		return string(s)
	}
	return stageTable[i].label
}

// IsForwardTransition reports whether to lies strictly after from.
func IsForwardTransition(from, to domain.Stage) bool {
	fi, ti := Index(from), Index(to)
	return fi >= 0 && ti >= 0 && ti > fi
}

// IsBackwardTransition reports whether to precedes from.
func IsBackwardTransition(from, to domain.Stage) bool {
	fi, ti := Index(from), Index(to)
	return fi >= 0 && ti >= 0 && ti < fi
}

// Boundary is the edge between two adjacent stages.
type Boundary struct {
	From domain.Stage `json:"from"`
	To   domain.Stage `json:"to"`
}

func (b Boundary) String() string {
	return fmt.Sprintf("%s->%s", b.From, b.To)
}

// Adjacent reports whether b joins two consecutive stages.
func (b Boundary) Adjacent() bool {
	fi, ti := Index(b.From), Index(b.To)
	return fi >= 0 && ti == fi+1
}

// BoundariesBetween lists the adjacent boundaries crossed moving forward from
// from to to. It returns nil when the move is not forward.
func BoundariesBetween(from, to domain.Stage) []Boundary {
	if !IsForwardTransition(from, to) {
		return nil
	}
	fi, ti := Index(from), Index(to)
	out := make([]Boundary, 0, ti-fi)
	for i := fi; i < ti; i++ {
		out = append(out, Boundary{From: stageTable[i].stage, To: stageTable[i+1].stage})
	}
	return out
}
