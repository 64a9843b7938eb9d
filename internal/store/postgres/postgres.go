// Package postgres implements the store interfaces on PostgreSQL via pgx.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool

	users      *userStore
	roles      *roleStore
	tokens     *tokenStore
	workspaces *workspaceStore
	jobs       *jobStore
	audit      *auditStore
}

// New connects, applies pending migrations, and returns the store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 20
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{pool: pool}
	s.users = &userStore{pool: pool}
	s.roles = &roleStore{pool: pool}
	s.tokens = &tokenStore{pool: pool}
	s.workspaces = &workspaceStore{pool: pool}
	s.jobs = &jobStore{pool: pool}
	s.audit = &auditStore{pool: pool}
	return s, nil
}

func migrate(databaseURL string) error {
	// goose drives migrations through database/sql; pgx/stdlib bridges the
	// same driver so only one postgres dependency is carried.
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

var _ = stdlib.GetDefaultDriver // keep the stdlib driver registered

func (s *Store) Users() store.UserStore           { return s.users }
func (s *Store) Roles() store.RoleStore           { return s.roles }
func (s *Store) Tokens() store.TokenStore         { return s.tokens }
func (s *Store) Workspaces() store.WorkspaceStore { return s.workspaces }
func (s *Store) Jobs() store.JobStore             { return s.jobs }
func (s *Store) Audit() store.AuditStore          { return s.audit }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

// uniqueViolation reports whether err is a 23505 unique-constraint error.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapRowErr converts pgx.ErrNoRows to a typed NotFound.
func mapRowErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return types.E(types.ErrNotFound, "%s not found", what)
	}
	return err
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
