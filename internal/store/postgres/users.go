package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omics-backend/internal/types"
)

type userStore struct {
	pool *pgxpool.Pool
}

const userColumns = `id, email, name, password_hash, mfa_secret, mfa_enabled,
	recovery_code_hashes, is_active, roles_version, created_at, deactivated_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.MFASecret,
		&u.MFAEnabled, &u.RecoveryCodeHashes, &u.IsActive, &u.RolesVersion,
		&u.CreatedAt, &u.DeactivatedAt)
	if err != nil {
		return nil, mapRowErr(err, "user")
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *types.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, mfa_secret, mfa_enabled,
			recovery_code_hashes, is_active, roles_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.MFASecret, u.MFAEnabled,
		u.RecoveryCodeHashes, u.IsActive, u.RolesVersion, u.CreatedAt)
	if uniqueViolation(err) {
		return types.E(types.ErrConflict, "email already in use")
	}
	return err
}

func (s *userStore) GetByID(ctx context.Context, id string) (*types.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *userStore) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (s *userStore) Update(ctx context.Context, u *types.User) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET email = $2, name = $3, password_hash = $4, mfa_secret = $5,
			mfa_enabled = $6, recovery_code_hashes = $7, is_active = $8,
			roles_version = $9, deactivated_at = $10
		WHERE id = $1`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.MFASecret, u.MFAEnabled,
		u.RecoveryCodeHashes, u.IsActive, u.RolesVersion, u.DeactivatedAt)
	if uniqueViolation(err) {
		return types.E(types.ErrConflict, "email already in use")
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "user not found")
	}
	return nil
}

func (s *userStore) BumpRolesVersion(ctx context.Context, userID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET roles_version = roles_version + 1
		WHERE id = $1 RETURNING roles_version`, userID).Scan(&version)
	if err != nil {
		return 0, mapRowErr(err, "user")
	}
	return version, nil
}

func (s *userStore) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET recovery_code_hashes = array_remove(recovery_code_hashes, $2)
		WHERE id = $1 AND $2 = ANY(recovery_code_hashes)`, userID, codeHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrPreconditioned, "recovery code already used")
	}
	return nil
}

func (s *userStore) Anonymize(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET
			email = 'deleted+' || id::text || '@anonymized.invalid',
			name = 'Deleted User',
			password_hash = '',
			mfa_secret = '',
			mfa_enabled = FALSE,
			recovery_code_hashes = '{}',
			is_active = FALSE,
			deactivated_at = now()
		WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "user not found")
	}
	return nil
}
