package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omics-backend/internal/types"
)

type tokenStore struct {
	pool *pgxpool.Pool
}

func (s *tokenStore) Create(ctx context.Context, t *types.RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.FamilyID, t.TokenHash, t.ExpiresAt, t.Revoked, t.CreatedAt)
	return err
}

func (s *tokenStore) GetByHash(ctx context.Context, hash string) (*types.RefreshToken, error) {
	var t types.RefreshToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, family_id, token_hash, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token_hash = $1`, hash).
		Scan(&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if err != nil {
		return nil, mapRowErr(err, "token")
	}
	return &t, nil
}

func (s *tokenStore) Rotate(ctx context.Context, oldID string, successor *types.RefreshToken) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		// Guard on revoked = FALSE so two concurrent refreshes with the same
		// token cannot both succeed.
		tag, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET revoked = TRUE
			WHERE id = $1 AND revoked = FALSE`, oldID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.ErrPreconditioned, "token already revoked")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, expires_at, revoked, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			successor.ID, successor.UserID, successor.FamilyID, successor.TokenHash,
			successor.ExpiresAt, successor.Revoked, successor.CreatedAt)
		return err
	})
}

func (s *tokenStore) Revoke(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrNotFound, "token not found")
	}
	return nil
}

func (s *tokenStore) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE family_id = $1`, familyID)
	return err
}

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1`, userID)
	return err
}
