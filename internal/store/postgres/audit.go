package postgres

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"omics-backend/internal/types"
)

type auditStore struct {
	pool *pgxpool.Pool
}

func (s *auditStore) Append(ctx context.Context, rec *types.AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (id, ts, user_id, email, action, resource_type,
			resource_id, ip, user_agent, result, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Timestamp, rec.UserID, rec.Email, rec.Action, rec.ResourceType,
		rec.ResourceID, rec.IP, rec.UserAgent, rec.Result, rec.Details)
	return err
}

func (s *auditStore) Query(ctx context.Context, f types.AuditFilter, cursor *types.AuditCursor, limit int) ([]types.AuditRecord, *types.AuditCursor, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.UserID != "" {
		add(`user_id = ?`, f.UserID)
	}
	if f.Action != "" {
		add(`action = ?`, f.Action)
	}
	if f.ResourceType != "" {
		add(`resource_type = ?`, f.ResourceType)
	}
	if f.ResourceID != "" {
		add(`resource_id = ?`, f.ResourceID)
	}
	if f.Result != "" {
		add(`result = ?`, string(f.Result))
	}
	if !f.Since.IsZero() {
		add(`ts >= ?`, f.Since)
	}
	if !f.Until.IsZero() {
		add(`ts <= ?`, f.Until)
	}
	if cursor != nil {
		args = append(args, cursor.Timestamp, cursor.ID)
		conds = append(conds, `(ts, id) < ($`+strconv.Itoa(len(args)-1)+`, $`+strconv.Itoa(len(args))+`)`)
	}
	query := `SELECT id, ts, user_id, email, action, resource_type, resource_id,
		ip, user_agent, result, details FROM audit_records`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit+1)
	query += ` ORDER BY ts DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var out []types.AuditRecord
	for rows.Next() {
		var rec types.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.UserID, &rec.Email,
			&rec.Action, &rec.ResourceType, &rec.ResourceID, &rec.IP,
			&rec.UserAgent, &rec.Result, &rec.Details); err != nil {
			return nil, nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	var next *types.AuditCursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &types.AuditCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return out, next, nil
}

func (s *auditStore) AnonymizeUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_records SET user_id = 'anonymized', email = '', ip = '', user_agent = ''
		WHERE user_id = $1`, userID)
	return err
}
