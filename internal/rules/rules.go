// Package rules scores automated gate criteria with CEL expressions over the
// project attributes.
package rules

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"milapp/internal/domain"
	"milapp/internal/lifecycle"
)

// Evaluator compiles criterion expressions once and caches the programs.
// Expressions see two variables: project (a map keyed like the project's
// JSON fields, with unset fields absent so has() works) and now.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("project", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Check compiles expr without evaluating it.
func (e *Evaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

// Score evaluates expr for p. A boolean result scores 100 or 0; a numeric
// result is the score itself and must lie in [0,100].
func (e *Evaluator) Score(expr string, p domain.Project, now time.Time) (float64, error) {
	prg, err := e.program(expr)
	if err != nil {
		return 0, err
	}
	out, _, err := prg.Eval(map[string]any{
		"project": ProjectVars(p),
		"now":     now,
	})
	if err != nil {
		return 0, fmt.Errorf("eval %q: %w", expr, err)
	}
	var score float64
	switch v := out.Value().(type) {
	case bool:
		if v {
			score = 100
		}
	case int64:
		score = float64(v)
	case uint64:
		score = float64(v)
	case float64:
		score = v
	default:
		return 0, fmt.Errorf("expression %q returned %T, want bool or number", expr, v)
	}
	if math.IsNaN(score) || score < 0 || score > 100 {
		return 0, fmt.Errorf("%w: expression %q scored %.2f", lifecycle.ErrInvalidGateData, expr, score)
	}
	return score, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// ProjectVars flattens p into the map exposed to expressions.
func ProjectVars(p domain.Project) map[string]any {
	m := map[string]any{
		"id":       p.ID,
		"name":     p.Name,
		"stage":    string(p.Stage),
		"progress": int64(lifecycle.ProgressPercent(p.Stage)),
		"archived": p.Archived,
	}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if p.Methodology != "" {
		m["methodology"] = p.Methodology
	}
	if p.Priority != nil {
		m["priority"] = int64(*p.Priority)
	}
	if p.ComplexityScore != nil {
		m["complexity_score"] = int64(*p.ComplexityScore)
	}
	if p.EstimatedROI != nil {
		m["estimated_roi"] = *p.EstimatedROI
	}
	if p.ActualROI != nil {
		m["actual_roi"] = *p.ActualROI
	}
	if p.StartDate != nil {
		m["start_date"] = *p.StartDate
	}
	if p.TargetDate != nil {
		m["target_date"] = *p.TargetDate
	}
	if p.AssignedArchitect != nil && *p.AssignedArchitect != "" {
		m["assigned_architect"] = *p.AssignedArchitect
	}
	if p.ProductOwner != nil && *p.ProductOwner != "" {
		m["product_owner"] = *p.ProductOwner
	}
	return m
}
