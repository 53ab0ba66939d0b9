// Package audit writes and reads the append-only transition audit trail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"milapp/internal/db"
	"milapp/internal/domain"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

// Append inserts e. A zero timestamp is filled from Now.
func (w Writer) Append(ctx context.Context, ex Execer, e domain.TransitionAuditEntry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.ID == "" {
		return fmt.Errorf("audit entry id required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.Now()
	}
	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	data, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("marshal audit reasons: %w", err)
	}
	_, err = ex.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO audit_entries(id,project_id,gate_id,from_stage,to_stage,actor_id,actor_role,kind,decision,reasons_json,ts) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, e.ProjectID, nullable(e.GateID), string(e.From), string(e.To), e.ActorID, e.ActorRole, string(e.Kind), string(e.Decision), string(data),
		e.Timestamp.UTC().Format(db.TimeLayout))
	return err
}

// List returns matching entries newest first.
func (w Writer) List(ctx context.Context, q Querier, projectID, gateID string, kind domain.AuditKind, limit int) ([]domain.TransitionAuditEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if gateID != "" {
		clauses = append(clauses, "gate_id=?")
		args = append(args, gateID)
	}
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(kind))
	}
	query := `SELECT id,project_id,COALESCE(gate_id,''),from_stage,to_stage,actor_id,actor_role,kind,decision,reasons_json,ts FROM audit_entries`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, db.Rebind(w.Dialect, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionAuditEntry
	for rows.Next() {
		var (
			e                      domain.TransitionAuditEntry
			from, to, kind, dec    string
			reasonsJSON, timestamp string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.GateID, &from, &to, &e.ActorID, &e.ActorRole, &kind, &dec, &reasonsJSON, &timestamp); err != nil {
			return nil, err
		}
		e.From, e.To = domain.Stage(from), domain.Stage(to)
		e.Kind, e.Decision = domain.AuditKind(kind), domain.AuditDecision(dec)
		if err := json.Unmarshal([]byte(reasonsJSON), &e.Reasons); err != nil {
			return nil, fmt.Errorf("audit %s reasons: %w", e.ID, err)
		}
		if len(e.Reasons) == 0 {
			e.Reasons = nil
		}
		ts, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("audit %s timestamp: %w", e.ID, err)
		}
		e.Timestamp = ts
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
