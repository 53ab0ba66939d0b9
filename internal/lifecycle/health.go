package lifecycle

import (
	"time"

	"milapp/internal/domain"
)

type HealthStatus string

const (
	HealthExcellent HealthStatus = "Excellent"
	HealthGood      HealthStatus = "Good"
	HealthAttention HealthStatus = "Attention"
	HealthCritical  HealthStatus = "Critical"
)

// Health is a derived view of a project's data completeness and schedule.
type Health struct {
	Score     int          `json:"score" minimum:"0" maximum:"100"`
	Status    HealthStatus `json:"status" enum:"Excellent,Good,Attention,Critical"`
	Deduction []string     `json:"deductions,omitempty"`
}

// ComputeHealth scores p against now.
func ComputeHealth(p domain.Project, now time.Time) Health {
	h := Health{Score: 100}
	deduct := func(n int, why string) {
		h.Score -= n
		h.Deduction = append(h.Deduction, why)
	}
	if p.TargetDate == nil {
		deduct(20, "no target date")
	} else if p.TargetDate.Before(now) && p.Stage != domain.StageConcluido {
		deduct(30, "target date passed")
	}
	if p.EstimatedROI == nil || *p.EstimatedROI == 0 {
		deduct(15, "no estimated ROI")
	}
	if p.AssignedArchitect == nil || *p.AssignedArchitect == "" {
		deduct(10, "no assigned architect")
	}
	if p.ProductOwner == nil || *p.ProductOwner == "" {
		deduct(10, "no product owner")
	}
	if p.Priority == nil || *p.Priority < 3 {
		deduct(10, "low or missing priority")
	}
	if h.Score < 0 {
		h.Score = 0
	}
	h.Status = HealthLabel(h.Score)
	return h
}

func HealthLabel(score int) HealthStatus {
	switch {
	case score >= 80:
		return HealthExcellent
	case score >= 60:
		return HealthGood
	case score >= 40:
		return HealthAttention
	default:
		return HealthCritical
	}
}
