package repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/db"
	"milapp/internal/domain"
	"milapp/internal/store"
)

func newPostgresMock(t *testing.T) (Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn, db.Postgres), mock
}

func TestPostgresSaveProjectUsesNumberedPlaceholders(t *testing.T) {
	r, mock := newPostgresMock(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := domain.Project{ID: "p1", Name: "x", Stage: domain.StageMVP, CreatedBy: "ana", CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta(`version=version+1 WHERE id=$18 AND version=$19`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v, err := r.SaveProjectIfVersion(context.Background(), p, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveProjectConflict(t *testing.T) {
	r, mock := newPostgresMock(t)
	p := domain.Project{ID: "p1", Name: "x", Stage: domain.StageMVP}

	mock.ExpectExec(`UPDATE projects SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM projects WHERE id=$1`)).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	_, err := r.SaveProjectIfVersion(context.Background(), p, 1)
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveGateNotFound(t *testing.T) {
	r, mock := newPostgresMock(t)
	g := domain.QualityGate{ID: "g9", ProjectID: "p1", Type: "G1", Status: domain.GatePending}

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$17 AND version=$18`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM quality_gates WHERE id=$1`)).
		WithArgs("g9").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	_, err := r.SaveGateIfVersion(context.Background(), g, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithinTxRollsBackOnError(t *testing.T) {
	r, mock := newPostgresMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_entries`)).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := r.WithinTx(context.Background(), func(tx store.Store) error {
		return tx.AppendAuditEntry(context.Background(), domain.TransitionAuditEntry{ID: "a1", ProjectID: "p1", ActorID: "ana", Kind: domain.AuditAdvance, Decision: domain.AuditAccepted})
	})
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListAuditQuery(t *testing.T) {
	r, mock := newPostgresMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_entries WHERE project_id=$1 AND kind=$2 ORDER BY seq DESC LIMIT $3`)).
		WithArgs("p1", "revert", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "gate_id", "from_stage", "to_stage", "actor_id", "actor_role", "kind", "decision", "reasons_json", "ts"}).
			AddRow("a1", "p1", "", "mvp", "ideacao", "root", "admin", "revert", "accepted", "[]", "2024-01-01T00:00:00.000000000Z"))

	entries, err := r.ListAudit(context.Background(), store.AuditFilter{ProjectID: "p1", Kind: domain.AuditRevert, Limit: 5})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditRevert, entries[0].Kind)
	assert.Nil(t, entries[0].Reasons)
	require.NoError(t, mock.ExpectationsWereMet())
}
