package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/domain"
	"milapp/internal/lifecycle"
)

func TestScore(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	roi := 1.5
	arch := "bruno"
	target := now.Add(72 * time.Hour)
	full := domain.Project{ID: "p1", Name: "Bot", Stage: domain.StageAnaliseViabilidade,
		EstimatedROI: &roi, AssignedArchitect: &arch, TargetDate: &target}
	bare := domain.Project{ID: "p2", Name: "Bare", Stage: domain.StageIdeacao}

	cases := []struct {
		name string
		expr string
		p    domain.Project
		want float64
	}{
		{"roi present", "has(project.estimated_roi) && project.estimated_roi > 0.0", full, 100},
		{"roi missing", "has(project.estimated_roi) && project.estimated_roi > 0.0", bare, 0},
		{"resources", "has(project.target_date) && has(project.assigned_architect)", full, 100},
		{"future target", "has(project.target_date) && project.target_date > now", full, 100},
		{"numeric", "project.progress * 2", full, 80},
		{"double", "has(project.estimated_roi) ? 75.5 : 0.0", full, 75.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.Score(tc.expr, tc.p, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestScoreErrors(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)
	p := domain.Project{ID: "p1", Stage: domain.StageMVP}
	now := time.Now()

	_, err = ev.Score("project.name +", p, now)
	assert.Error(t, err)

	_, err = ev.Score("'text'", p, now)
	assert.Error(t, err)

	_, err = ev.Score("project.progress * 10", p, now)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidGateData)

	assert.NoError(t, ev.Check("project.stage == 'mvp'"))
}

func TestProgramCache(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)
	require.NoError(t, ev.Check("true"))
	require.NoError(t, ev.Check("true"))
	assert.Len(t, ev.programs, 1)
}
