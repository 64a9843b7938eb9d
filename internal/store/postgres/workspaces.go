package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omics-backend/internal/types"
)

type workspaceStore struct {
	pool *pgxpool.Pool
}

func scanWorkspace(row pgx.Row) (*types.Workspace, error) {
	var w types.Workspace
	err := row.Scan(&w.ID, &w.Name, &w.OwnerUserID, &w.CreatedAt, &w.UpdatedAt,
		&w.StateSnapshot, &w.StateVersion)
	if err != nil {
		return nil, mapRowErr(err, "workspace")
	}
	return &w, nil
}

func (s *workspaceStore) Create(ctx context.Context, w *types.Workspace) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workspaces (id, name, owner_user_id, created_at, updated_at, state_snapshot, state_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			w.ID, w.Name, w.OwnerUserID, w.CreatedAt, w.UpdatedAt, w.StateSnapshot, w.StateVersion)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workspace_members (workspace_id, user_id, role, joined_at, last_seen)
			VALUES ($1, $2, 'owner', $3, $3)`,
			w.ID, w.OwnerUserID, w.CreatedAt)
		return err
	})
}

func (s *workspaceStore) Get(ctx context.Context, id string) (*types.Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx, `
		SELECT id, name, owner_user_id, created_at, updated_at, state_snapshot, state_version
		FROM workspaces WHERE id = $1`, id))
}

func (s *workspaceStore) Update(ctx context.Context, w *types.Workspace) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces SET name = $2, owner_user_id = $3, updated_at = now()
		WHERE id = $1`, w.ID, w.Name, w.OwnerUserID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	return nil
}

func (s *workspaceStore) Teardown(ctx context.Context, id string) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM workspace_snapshots WHERE workspace_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workspace_members WHERE workspace_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.ErrNotFound, "workspace not found")
		}
		return nil
	})
}

func (s *workspaceStore) ListForUser(ctx context.Context, userID string) ([]types.Workspace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT w.id, w.name, w.owner_user_id, w.created_at, w.updated_at, w.state_snapshot, w.state_version
		FROM workspaces w JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = $1 ORDER BY w.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *workspaceStore) AddMember(ctx context.Context, m *types.WorkspaceMember) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, joined_at, last_seen)
		VALUES ($1, $2, $3, $4, $5)`,
		m.WorkspaceID, m.UserID, m.Role, m.JoinedAt, m.LastSeen)
	if uniqueViolation(err) {
		return types.E(types.ErrConflict, "already a member")
	}
	return err
}

func (s *workspaceStore) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM workspace_members WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "not a member")
	}
	return nil
}

func (s *workspaceStore) SetMemberRole(ctx context.Context, workspaceID, userID string, role types.MemberRole) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspace_members SET role = $3
		WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID, role)
	if uniqueViolation(err) {
		return types.E(types.ErrConflict, "workspace already has an owner")
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "not a member")
	}
	return nil
}

func (s *workspaceStore) TransferOwnership(ctx context.Context, workspaceID, fromUserID, toUserID string) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workspace_members SET role = 'editor'
			WHERE workspace_id = $1 AND user_id = $2 AND role = 'owner'`,
			workspaceID, fromUserID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.ErrPreconditioned, "transferor is not the owner")
		}
		tag, err = tx.Exec(ctx, `
			UPDATE workspace_members SET role = 'owner'
			WHERE workspace_id = $1 AND user_id = $2`, workspaceID, toUserID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.ErrNotFound, "target is not a member")
		}
		_, err = tx.Exec(ctx,
			`UPDATE workspaces SET owner_user_id = $2, updated_at = now() WHERE id = $1`,
			workspaceID, toUserID)
		return err
	})
}

func (s *workspaceStore) GetMember(ctx context.Context, workspaceID, userID string) (*types.WorkspaceMember, error) {
	var m types.WorkspaceMember
	err := s.pool.QueryRow(ctx, `
		SELECT workspace_id, user_id, role, joined_at, last_seen
		FROM workspace_members WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID).
		Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastSeen)
	if err != nil {
		return nil, mapRowErr(err, "member")
	}
	return &m, nil
}

func (s *workspaceStore) ListMembers(ctx context.Context, workspaceID string) ([]types.WorkspaceMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workspace_id, user_id, role, joined_at, last_seen
		FROM workspace_members WHERE workspace_id = $1 ORDER BY user_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.WorkspaceMember
	for rows.Next() {
		var m types.WorkspaceMember
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *workspaceStore) TouchMember(ctx context.Context, workspaceID, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workspace_members SET last_seen = $3
		WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID, at)
	return err
}

func (s *workspaceStore) SaveState(ctx context.Context, workspaceID string, fields json.RawMessage, version int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces SET state_snapshot = $2, state_version = $3, updated_at = now()
		WHERE id = $1`, workspaceID, fields, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	return nil
}

func (s *workspaceStore) LoadState(ctx context.Context, workspaceID string) (json.RawMessage, int64, error) {
	var fields json.RawMessage
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT state_snapshot, state_version FROM workspaces WHERE id = $1`, workspaceID).
		Scan(&fields, &version)
	if err != nil {
		return nil, 0, mapRowErr(err, "workspace")
	}
	if fields == nil {
		return nil, version, types.E(types.ErrNotFound, "no persisted state")
	}
	return fields, version, nil
}

func (s *workspaceStore) SaveSnapshot(ctx context.Context, snap *types.CRDTSnapshot) error {
	fields, err := json.Marshal(snap.Fields)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workspace_snapshots (id, workspace_id, fields, version, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.WorkspaceID, fields, snap.Version, snap.CreatedAt)
	return err
}

func (s *workspaceStore) GetSnapshot(ctx context.Context, workspaceID, snapshotID string) (*types.CRDTSnapshot, error) {
	var snap types.CRDTSnapshot
	var fields []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, fields, version, created_at
		FROM workspace_snapshots WHERE workspace_id = $1 AND id = $2`,
		workspaceID, snapshotID).
		Scan(&snap.ID, &snap.WorkspaceID, &fields, &snap.Version, &snap.CreatedAt)
	if err != nil {
		return nil, mapRowErr(err, "snapshot")
	}
	if err := json.Unmarshal(fields, &snap.Fields); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *workspaceStore) ListSnapshots(ctx context.Context, workspaceID string) ([]types.CRDTSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, fields, version, created_at
		FROM workspace_snapshots WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.CRDTSnapshot
	for rows.Next() {
		var snap types.CRDTSnapshot
		var fields []byte
		if err := rows.Scan(&snap.ID, &snap.WorkspaceID, &fields, &snap.Version, &snap.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &snap.Fields); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
