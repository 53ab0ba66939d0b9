// Package storetest holds the behavioural suite every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/domain"
	"milapp/internal/store"
)

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func sampleProject(id string, created time.Time) domain.Project {
	return domain.Project{
		ID:                id,
		Name:              "Automação " + id,
		Description:       "conciliação bancária",
		Stage:             domain.StageIdeacao,
		Priority:          ptr(4),
		Methodology:       "scrum",
		ComplexityScore:   ptr(6),
		EstimatedROI:      ptr(150000.0),
		TargetDate:        ptr(base.Add(90 * 24 * time.Hour)),
		AssignedArchitect: ptr("carla"),
		CreatedBy:         "ana",
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func sampleGate(id, projectID string) domain.QualityGate {
	return domain.QualityGate{
		ID:        id,
		ProjectID: projectID,
		Type:      "G1",
		Name:      "Viabilidade",
		From:      domain.StageAnaliseViabilidade,
		To:        domain.StagePrototipoRapido,
		Criteria: []domain.Criterion{
			{Key: "pdd", Name: "PDD", Weight: 0.5, Minimum: 60},
			{Key: "roi", Name: "ROI", Weight: 0.5, Minimum: 60, Automated: true, Expr: "true"},
		},
		RequiredApprovers: []string{"bruno", "carla"},
		SLADeadline:       ptr(base.Add(48 * time.Hour)),
		Status:            domain.GatePending,
		CreatedAt:         base,
		UpdatedAt:         base,
	}
}

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("ProjectRoundTrip", func(t *testing.T) { projectRoundTrip(t, newStore(t)) })
	t.Run("ProjectVersionConflict", func(t *testing.T) { projectVersionConflict(t, newStore(t)) })
	t.Run("ListProjects", func(t *testing.T) { listProjects(t, newStore(t)) })
	t.Run("GateRoundTrip", func(t *testing.T) { gateRoundTrip(t, newStore(t)) })
	t.Run("GateVersionConflict", func(t *testing.T) { gateVersionConflict(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { txRollback(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { txCommit(t, newStore(t)) })
	t.Run("AuditOrder", func(t *testing.T) { auditOrder(t, newStore(t)) })
}

func projectRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := sampleProject("p1", base)
	v, err := s.InsertProject(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	got, v, err := s.LoadProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, domain.StageIdeacao, got.Stage)
	require.NotNil(t, got.Priority)
	assert.Equal(t, 4, *got.Priority)
	require.NotNil(t, got.EstimatedROI)
	assert.Equal(t, 150000.0, *got.EstimatedROI)
	require.NotNil(t, got.TargetDate)
	assert.True(t, p.TargetDate.Equal(*got.TargetDate))
	assert.Nil(t, got.ProductOwner)
	assert.Nil(t, got.ActualROI)
	assert.True(t, base.Equal(got.CreatedAt))

	_, _, err = s.LoadProject(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func projectVersionConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := sampleProject("p1", base)
	_, err := s.InsertProject(ctx, p)
	require.NoError(t, err)

	p.Stage = domain.StageQualidadeProcessos
	v, err := s.SaveProjectIfVersion(ctx, p, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	p.Stage = domain.StagePlanejamento
	_, err = s.SaveProjectIfVersion(ctx, p, 1)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	got, v, err := s.LoadProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, domain.StageQualidadeProcessos, got.Stage)

	ghost := sampleProject("ghost", base)
	_, err = s.SaveProjectIfVersion(ctx, ghost, 1)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func listProjects(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		_, err := s.InsertProject(ctx, sampleProject(id, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	archived := sampleProject("d", base.Add(5*time.Hour))
	archived.Archived = true
	_, err := s.InsertProject(ctx, archived)
	require.NoError(t, err)

	ps, err := s.ListProjects(ctx, store.ProjectFilter{})
	require.NoError(t, err)
	require.Len(t, ps, 3)
	assert.Equal(t, "c", ps[0].ID)

	ps, err = s.ListProjects(ctx, store.ProjectFilter{IncludeArchived: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "d", ps[0].ID)

	ps, err = s.ListProjects(ctx, store.ProjectFilter{Stage: domain.StageMVP})
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func gateRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertProject(ctx, sampleProject("p1", base))
	require.NoError(t, err)
	g := sampleGate("g1", "p1")
	_, err = s.InsertGate(ctx, g)
	require.NoError(t, err)

	got, v, err := s.LoadGate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, g.Criteria, got.Criteria)
	assert.Equal(t, g.RequiredApprovers, got.RequiredApprovers)
	assert.Empty(t, got.Approvals)
	require.NotNil(t, got.SLADeadline)
	assert.True(t, g.SLADeadline.Equal(*got.SLADeadline))
	assert.Nil(t, got.PassThreshold)

	zero := sampleGate("g2", "p1")
	zero.Type = "G2"
	zero.PassThreshold = ptr(0.0)
	_, err = s.InsertGate(ctx, zero)
	require.NoError(t, err)
	got, _, err = s.LoadGate(ctx, "g2")
	require.NoError(t, err)
	require.NotNil(t, got.PassThreshold)
	assert.Equal(t, 0.0, *got.PassThreshold)

	gs, err := s.LoadGatesForProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, gs, 2)
	assert.Equal(t, "G1", gs[0].Gate.Type)

	_, _, err = s.LoadGate(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func gateVersionConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertProject(ctx, sampleProject("p1", base))
	require.NoError(t, err)
	g := sampleGate("g1", "p1")
	_, err = s.InsertGate(ctx, g)
	require.NoError(t, err)

	g.Approvals = []domain.Approval{{ActorID: "bruno", Decision: domain.DecisionApprove, At: base}}
	g.Status = domain.GateConditional
	v, err := s.SaveGateIfVersion(ctx, g, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = s.SaveGateIfVersion(ctx, g, 1)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	got, _, err := s.LoadGate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GateConditional, got.Status)
	require.Len(t, got.Approvals, 1)
	assert.Equal(t, "bruno", got.Approvals[0].ActorID)
}

func txRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertProject(ctx, sampleProject("p1", base))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(tx store.Store) error {
		p, v, err := tx.LoadProject(ctx, "p1")
		if err != nil {
			return err
		}
		p.Stage = domain.StageQualidadeProcessos
		if _, err := tx.SaveProjectIfVersion(ctx, p, v); err != nil {
			return err
		}
		if err := tx.AppendAuditEntry(ctx, domain.TransitionAuditEntry{ID: "a1", ProjectID: "p1", From: domain.StageIdeacao, To: p.Stage, ActorID: "ana", Kind: domain.AuditAdvance, Decision: domain.AuditAccepted, Timestamp: base}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	got, v, err := s.LoadProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, domain.StageIdeacao, got.Stage)
	entries, err := s.ListAudit(ctx, store.AuditFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func txCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertProject(ctx, sampleProject("p1", base))
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx store.Store) error {
		p, v, err := tx.LoadProject(ctx, "p1")
		if err != nil {
			return err
		}
		p.Stage = domain.StageQualidadeProcessos
		if _, err := tx.SaveProjectIfVersion(ctx, p, v); err != nil {
			return err
		}
		if _, err := tx.InsertGate(ctx, sampleGate("g1", "p1")); err != nil {
			return err
		}
		return tx.AppendAuditEntry(ctx, domain.TransitionAuditEntry{ID: "a1", ProjectID: "p1", From: domain.StageIdeacao, To: p.Stage, ActorID: "ana", Kind: domain.AuditAdvance, Decision: domain.AuditAccepted, Timestamp: base})
	})
	require.NoError(t, err)

	got, v, err := s.LoadProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, domain.StageQualidadeProcessos, got.Stage)
	gs, err := s.LoadGatesForProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, gs, 1)
	entries, err := s.ListAudit(ctx, store.AuditFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func auditOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, kind := range []domain.AuditKind{domain.AuditAdvance, domain.AuditGateDecision, domain.AuditAdvance} {
		e := domain.TransitionAuditEntry{
			ID:        string(rune('a' + i)),
			ProjectID: "p1",
			From:      domain.StageIdeacao,
			To:        domain.StageQualidadeProcessos,
			ActorID:   "ana",
			Kind:      kind,
			Decision:  domain.AuditRejected,
			Reasons:   []string{"NoOpTransition: project already in ideacao"},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendAuditEntry(ctx, e))
	}
	entries, err := s.ListAudit(ctx, store.AuditFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{entries[0].ID, entries[1].ID, entries[2].ID})
	assert.Equal(t, []string{"NoOpTransition: project already in ideacao"}, entries[0].Reasons)

	entries, err = s.ListAudit(ctx, store.AuditFilter{ProjectID: "p1", Kind: domain.AuditGateDecision})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ID)

	entries, err = s.ListAudit(ctx, store.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].ID)
}
