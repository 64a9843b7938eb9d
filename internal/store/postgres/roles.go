package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omics-backend/internal/types"
)

type roleStore struct {
	pool *pgxpool.Pool
}

func scanRole(row pgx.Row) (*types.Role, error) {
	var r types.Role
	var perms []string
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &perms, &r.Seeded); err != nil {
		return nil, mapRowErr(err, "role")
	}
	r.Permissions = make([]types.Permission, len(perms))
	for i, p := range perms {
		r.Permissions[i] = types.Permission(p)
	}
	return &r, nil
}

func permStrings(perms []types.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func (s *roleStore) Create(ctx context.Context, r *types.Role) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, permissions, seeded)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Name, r.Description, permStrings(r.Permissions), r.Seeded)
	if uniqueViolation(err) {
		return types.E(types.ErrConflict, "role name already exists")
	}
	return err
}

func (s *roleStore) Update(ctx context.Context, r *types.Role) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE roles SET name = $2, description = $3, permissions = $4 WHERE id = $1`,
		r.ID, r.Name, r.Description, permStrings(r.Permissions))
	if uniqueViolation(err) {
		return types.E(types.ErrConflict, "role name already exists")
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "role not found")
	}
	return nil
}

func (s *roleStore) Delete(ctx context.Context, roleID string) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var inUse bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM user_roles WHERE role_id = $1)`, roleID).Scan(&inUse); err != nil {
			return err
		}
		if inUse {
			return types.E(types.ErrConflict, "role is still assigned")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.ErrNotFound, "role not found")
		}
		return nil
	})
}

func (s *roleStore) GetByID(ctx context.Context, roleID string) (*types.Role, error) {
	return scanRole(s.pool.QueryRow(ctx,
		`SELECT id, name, description, permissions, seeded FROM roles WHERE id = $1`, roleID))
}

func (s *roleStore) GetByName(ctx context.Context, name string) (*types.Role, error) {
	return scanRole(s.pool.QueryRow(ctx,
		`SELECT id, name, description, permissions, seeded FROM roles WHERE lower(name) = lower($1)`, name))
}

func (s *roleStore) List(ctx context.Context) ([]types.Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, permissions, seeded FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

func (s *roleStore) Remove(ctx context.Context, userID, roleID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "role not assigned")
	}
	return nil
}

func (s *roleStore) RolesOfUser(ctx context.Context, userID string) ([]types.Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.permissions, r.seeded
		FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 ORDER BY r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
