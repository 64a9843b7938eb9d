package postgres

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omics-backend/internal/types"
)

type jobStore struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, type, owner_user_id, workspace_id, priority, state,
	parameters, cores, memory_bytes, max_retries, attempt, progress,
	checkpoint, result_ref, error_message, worker_id, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	var workspaceID *string
	var priority int16
	err := row.Scan(&j.ID, &j.Type, &j.OwnerUserID, &workspaceID, &priority,
		&j.State, &j.Parameters, &j.Reservation.Cores, &j.Reservation.MemoryBytes,
		&j.MaxRetries, &j.Attempt, &j.Progress, &j.Checkpoint, &j.ResultRef,
		&j.ErrorMessage, &j.WorkerID, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, mapRowErr(err, "job")
	}
	if workspaceID != nil {
		j.WorkspaceID = *workspaceID
	}
	j.Priority = types.JobPriority(priority)
	return &j, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *jobStore) Create(ctx context.Context, j *types.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, owner_user_id, workspace_id, priority, state,
			parameters, cores, memory_bytes, max_retries, attempt, progress,
			checkpoint, result_ref, error_message, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		j.ID, j.Type, j.OwnerUserID, nullable(j.WorkspaceID), int16(j.Priority),
		j.State, j.Parameters, j.Reservation.Cores, j.Reservation.MemoryBytes,
		j.MaxRetries, j.Attempt, j.Progress, j.Checkpoint, j.ResultRef,
		j.ErrorMessage, j.WorkerID, j.CreatedAt)
	return err
}

func (s *jobStore) Get(ctx context.Context, id string) (*types.Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *jobStore) List(ctx context.Context, ownerUserID string, states []types.JobState, limit int) ([]types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var conds []string
	var args []any
	if ownerUserID != "" {
		args = append(args, ownerUserID)
		conds = append(conds, `owner_user_id = $1`)
	}
	if len(states) > 0 {
		ss := make([]string, len(states))
		for i, st := range states {
			ss[i] = string(st)
		}
		args = append(args, ss)
		conds = append(conds, `state = ANY($`+itoa(len(args))+`)`)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *jobStore) ListUnfinished(ctx context.Context) ([]types.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('pending', 'queued', 'running')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *jobStore) CAS(ctx context.Context, j *types.Job, fromState types.JobState, fromAttempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, attempt = $3, progress = $4, checkpoint = $5,
			result_ref = $6, error_message = $7, worker_id = $8,
			started_at = $9, finished_at = $10
		WHERE id = $1 AND state = $11 AND attempt = $12`,
		j.ID, j.State, j.Attempt, j.Progress, j.Checkpoint, j.ResultRef,
		j.ErrorMessage, j.WorkerID, j.StartedAt, j.FinishedAt,
		fromState, fromAttempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.ErrPreconditioned, "job state changed concurrently")
	}
	return nil
}

func (s *jobStore) UpdateProgress(ctx context.Context, id string, progress float64, checkpoint []byte) error {
	var err error
	if checkpoint != nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE jobs SET progress = $2, checkpoint = $3 WHERE id = $1`,
			id, progress, checkpoint)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE jobs SET progress = $2 WHERE id = $1`, id, progress)
	}
	return err
}

func itoa(n int) string { return strconv.Itoa(n) }
