package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"milapp/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func healthyProject() domain.Project {
	p := projectAt(domain.StageMVP)
	p.TargetDate = ptr(testNow.Add(30 * 24 * time.Hour))
	p.EstimatedROI = ptr(120000.0)
	p.AssignedArchitect = ptr("carla")
	p.ProductOwner = ptr("bruno")
	p.Priority = ptr(4)
	return p
}

func TestComputeHealthFull(t *testing.T) {
	h := ComputeHealth(healthyProject(), testNow)
	assert.Equal(t, 100, h.Score)
	assert.Equal(t, HealthExcellent, h.Status)
	assert.Empty(t, h.Deduction)
}

func TestComputeHealthMissingData(t *testing.T) {
	p := healthyProject()
	p.TargetDate = nil
	p.EstimatedROI = nil
	p.AssignedArchitect = nil
	h := ComputeHealth(p, testNow)
	assert.Equal(t, 55, h.Score)
	assert.Equal(t, HealthAttention, h.Status)
}

func TestComputeHealthOverdue(t *testing.T) {
	p := healthyProject()
	p.TargetDate = ptr(testNow.Add(-time.Hour))
	h := ComputeHealth(p, testNow)
	assert.Equal(t, 70, h.Score)
	assert.Equal(t, HealthGood, h.Status)

	p.Stage = domain.StageConcluido
	assert.Equal(t, 100, ComputeHealth(p, testNow).Score)
}

func TestComputeHealthZeroROIAndLowPriority(t *testing.T) {
	p := healthyProject()
	p.EstimatedROI = ptr(0.0)
	p.Priority = ptr(2)
	h := ComputeHealth(p, testNow)
	assert.Equal(t, 75, h.Score)
}

func TestComputeHealthWorstCase(t *testing.T) {
	p := projectAt(domain.StageIdeacao)
	h := ComputeHealth(p, testNow)
	assert.Equal(t, 35, h.Score)
	assert.Equal(t, HealthCritical, h.Status)
}

func TestHealthLabelBands(t *testing.T) {
	assert.Equal(t, HealthExcellent, HealthLabel(80))
	assert.Equal(t, HealthGood, HealthLabel(79))
	assert.Equal(t, HealthGood, HealthLabel(60))
	assert.Equal(t, HealthAttention, HealthLabel(40))
	assert.Equal(t, HealthCritical, HealthLabel(39))
	assert.Equal(t, HealthCritical, HealthLabel(0))
}
