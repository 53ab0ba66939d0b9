package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"milapp/internal/audit"
	"milapp/internal/db"
	"milapp/internal/domain"
	"milapp/internal/lifecycle"
	"milapp/internal/store"
)

// Repo is the database/sql implementation of store.Store. A Repo returned
// by WithinTx is bound to that transaction.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	tx      *sql.Tx
}

var (
	ErrNotFound = store.ErrNotFound
	ErrConflict = store.ErrConflict
)

var _ store.Store = Repo{}

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

func (r Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = db.Rebind(r.Dialect, query)
	if r.tx != nil {
		return r.tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

func (r Repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = db.Rebind(r.Dialect, query)
	if r.tx != nil {
		return r.tx.QueryContext(ctx, query, args...)
	}
	return r.DB.QueryContext(ctx, query, args...)
}

func (r Repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	query = db.Rebind(r.Dialect, query)
	if r.tx != nil {
		return r.tx.QueryRowContext(ctx, query, args...)
	}
	return r.DB.QueryRowContext(ctx, query, args...)
}

func (r Repo) audit() audit.Writer {
	return audit.Writer{Dialect: r.Dialect}
}

// WithinTx runs fn in a transaction. Nested calls join the outer one.
func (r Repo) WithinTx(ctx context.Context, fn func(store.Store) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	bound := r
	bound.tx = tx
	if err := fn(bound); err != nil {
		return err
	}
	return tx.Commit()
}

const projectColumns = `id,name,description,stage,priority,methodology,complexity_score,estimated_roi,actual_roi,start_date,target_date,completed_date,assigned_architect,product_owner,archived,created_by,created_at,updated_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, int64, error) {
	var (
		p                           domain.Project
		stage, createdAt, updatedAt string
		priority, complexity        sql.NullInt64
		estimated, actual           sql.NullFloat64
		start, target, completed    sql.NullString
		architect, owner            sql.NullString
		archived                    int
		version                     int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &stage, &priority, &p.Methodology, &complexity, &estimated, &actual,
		&start, &target, &completed, &architect, &owner, &archived, &p.CreatedBy, &createdAt, &updatedAt, &version)
	if err == sql.ErrNoRows {
		return p, 0, ErrNotFound
	}
	if err != nil {
		return p, 0, err
	}
	if p.Stage, err = lifecycle.ParseStage(stage); err != nil {
		return p, 0, fmt.Errorf("project %s: %w", p.ID, err)
	}
	p.Priority = intPtr(priority)
	p.ComplexityScore = intPtr(complexity)
	p.EstimatedROI = floatPtr(estimated)
	p.ActualROI = floatPtr(actual)
	p.AssignedArchitect = stringPtr(architect)
	p.ProductOwner = stringPtr(owner)
	p.Archived = archived != 0
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{start, &p.StartDate}, {target, &p.TargetDate}, {completed, &p.CompletedDate}} {
		if *f.dst, err = parseTimePtr(f.src); err != nil {
			return p, 0, fmt.Errorf("project %s: %w", p.ID, err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, 0, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, 0, err
	}
	return p, version, nil
}

func (r Repo) LoadProject(ctx context.Context, id string) (domain.Project, int64, error) {
	return scanProject(r.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context, f store.ProjectFilter) ([]domain.Project, error) {
	var (
		clauses []string
		args    []any
	)
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, string(f.Stage))
	}
	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, _, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func projectArgs(p domain.Project) []any {
	return []any{
		p.Name, p.Description, string(p.Stage), nullableIntPtr(p.Priority), p.Methodology, nullableIntPtr(p.ComplexityScore),
		nullableFloatPtr(p.EstimatedROI), nullableFloatPtr(p.ActualROI),
		formatTimePtr(p.StartDate), formatTimePtr(p.TargetDate), formatTimePtr(p.CompletedDate),
		nullableStringPtr(p.AssignedArchitect), nullableStringPtr(p.ProductOwner), boolInt(p.Archived),
		p.CreatedBy, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	}
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (int64, error) {
	args := append([]any{p.ID}, projectArgs(p)...)
	_, err := r.exec(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`, args...)
	if err != nil {
		return 0, fmt.Errorf("insert project: %w", err)
	}
	return 1, nil
}

func (r Repo) SaveProjectIfVersion(ctx context.Context, p domain.Project, expected int64) (int64, error) {
	args := append(projectArgs(p), p.ID, expected)
	res, err := r.exec(ctx, `UPDATE projects SET name=?, description=?, stage=?, priority=?, methodology=?, complexity_score=?, estimated_roi=?, actual_roi=?, start_date=?, target_date=?, completed_date=?, assigned_architect=?, product_owner=?, archived=?, created_by=?, created_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`, args...)
	if err != nil {
		return 0, fmt.Errorf("save project: %w", err)
	}
	if err := r.checkAffected(ctx, res, "projects", p.ID); err != nil {
		return 0, err
	}
	return expected + 1, nil
}

// checkAffected tells a missing row apart from a stale version.
func (r Repo) checkAffected(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.queryRow(ctx, `SELECT 1 FROM `+table+` WHERE id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (r Repo) AppendAuditEntry(ctx context.Context, e domain.TransitionAuditEntry) error {
	var ex audit.Execer = r.DB
	if r.tx != nil {
		ex = r.tx
	}
	if err := r.audit().Append(ctx, ex, e); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (r Repo) ListAudit(ctx context.Context, f store.AuditFilter) ([]domain.TransitionAuditEntry, error) {
	var q audit.Querier = r.DB
	if r.tx != nil {
		q = r.tx
	}
	return r.audit().List(ctx, q, f.ProjectID, f.GateID, f.Kind, f.Limit)
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(db.TimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
