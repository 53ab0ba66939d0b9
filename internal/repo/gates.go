package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"milapp/internal/domain"
	"milapp/internal/store"
)

const gateColumns = `id,project_id,type,name,from_stage,to_stage,criteria_json,required_approvers_json,approvals_json,notes_json,sla_deadline,escalated_at,pass_threshold,score,status,created_at,updated_at,version`

func scanGate(row rowScanner) (domain.QualityGate, int64, error) {
	var (
		g                                     domain.QualityGate
		from, to, status                      string
		criteria, approvers, approvals, notes string
		deadline, escalated                   sql.NullString
		threshold                             sql.NullFloat64
		createdAt, updatedAt                  string
		version                               int64
	)
	err := row.Scan(&g.ID, &g.ProjectID, &g.Type, &g.Name, &from, &to, &criteria, &approvers, &approvals, &notes,
		&deadline, &escalated, &threshold, &g.Score, &status, &createdAt, &updatedAt, &version)
	if err == sql.ErrNoRows {
		return g, 0, ErrNotFound
	}
	if err != nil {
		return g, 0, err
	}
	g.From, g.To, g.Status = domain.Stage(from), domain.Stage(to), domain.GateStatus(status)
	if threshold.Valid {
		v := threshold.Float64
		g.PassThreshold = &v
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"criteria", criteria, &g.Criteria},
		{"required_approvers", approvers, &g.RequiredApprovers},
		{"approvals", approvals, &g.Approvals},
		{"notes", notes, &g.Notes},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return g, 0, fmt.Errorf("gate %s %s: %w", g.ID, f.name, err)
		}
	}
	if g.SLADeadline, err = parseTimePtr(deadline); err != nil {
		return g, 0, err
	}
	if g.EscalatedAt, err = parseTimePtr(escalated); err != nil {
		return g, 0, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return g, 0, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return g, 0, err
	}
	return g, version, nil
}

func gateArgs(g domain.QualityGate) ([]any, error) {
	encoded := make([]string, 4)
	for i, v := range []any{nonNil(g.Criteria), nonNil(g.RequiredApprovers), nonNil(g.Approvals), nonNil(g.Notes)} {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal gate %s: %w", g.ID, err)
		}
		encoded[i] = string(data)
	}
	return []any{
		g.ProjectID, g.Type, g.Name, string(g.From), string(g.To),
		encoded[0], encoded[1], encoded[2], encoded[3],
		formatTimePtr(g.SLADeadline), formatTimePtr(g.EscalatedAt),
		floatValue(g.PassThreshold), g.Score, string(g.Status), formatTime(g.CreatedAt), formatTime(g.UpdatedAt),
	}, nil
}

func floatValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil(v any) any {
	switch s := v.(type) {
	case []domain.Criterion:
		if s == nil {
			return []domain.Criterion{}
		}
	case []string:
		if s == nil {
			return []string{}
		}
	case []domain.Approval:
		if s == nil {
			return []domain.Approval{}
		}
	case []domain.Note:
		if s == nil {
			return []domain.Note{}
		}
	}
	return v
}

func (r Repo) LoadGate(ctx context.Context, id string) (domain.QualityGate, int64, error) {
	return scanGate(r.queryRow(ctx, `SELECT `+gateColumns+` FROM quality_gates WHERE id=?`, id))
}

func (r Repo) LoadGatesForProject(ctx context.Context, projectID string) ([]store.VersionedGate, error) {
	rows, err := r.query(ctx, `SELECT `+gateColumns+` FROM quality_gates WHERE project_id=? ORDER BY type`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []store.VersionedGate
	for rows.Next() {
		g, v, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, store.VersionedGate{Gate: g, Version: v})
	}
	return res, rows.Err()
}

func (r Repo) InsertGate(ctx context.Context, g domain.QualityGate) (int64, error) {
	args, err := gateArgs(g)
	if err != nil {
		return 0, err
	}
	args = append([]any{g.ID}, args...)
	if _, err := r.exec(ctx, `INSERT INTO quality_gates(`+gateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`, args...); err != nil {
		return 0, fmt.Errorf("insert gate: %w", err)
	}
	return 1, nil
}

func (r Repo) SaveGateIfVersion(ctx context.Context, g domain.QualityGate, expected int64) (int64, error) {
	args, err := gateArgs(g)
	if err != nil {
		return 0, err
	}
	args = append(args, g.ID, expected)
	res, err := r.exec(ctx, `UPDATE quality_gates SET project_id=?, type=?, name=?, from_stage=?, to_stage=?, criteria_json=?, required_approvers_json=?, approvals_json=?, notes_json=?, sla_deadline=?, escalated_at=?, pass_threshold=?, score=?, status=?, created_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`, args...)
	if err != nil {
		return 0, fmt.Errorf("save gate: %w", err)
	}
	if err := r.checkAffected(ctx, res, "quality_gates", g.ID); err != nil {
		return 0, err
	}
	return expected + 1, nil
}
