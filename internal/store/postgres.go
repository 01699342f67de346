package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/escalate"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
)

// Store archives escalated task history in Postgres so outcomes outlive
// the Redis result cache. It implements escalate.Archive.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordEnqueued inserts the initial row for a new escalated task.
// Re-inserts of the same ID are ignored, so redelivery stays safe.
func (s *Store) RecordEnqueued(ctx context.Context, task *escalate.Task) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO escalated_tasks (id, type, owner_id, payload, status, attempts, max_attempts, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, NOW())
		ON CONFLICT (id) DO NOTHING
	`, task.ID, task.Type, emptyToNil(task.OwnerID), payloadJSON, models.StatusQueued, task.MaxAttempts, task.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("insert escalated task: %w", err)
	}
	return nil
}

// RecordAttempt updates the row after a failed attempt that will retry.
func (s *Store) RecordAttempt(ctx context.Context, taskID string, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE escalated_tasks
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, taskID, models.StatusQueued, attempts, lastError)
	return err
}

// RecordOutcome stores the terminal result of a task.
func (s *Store) RecordOutcome(ctx context.Context, res *escalate.Result) error {
	var resultJSON []byte
	if res.Result != nil {
		var err error
		resultJSON, err = json.Marshal(res.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE escalated_tasks
		SET status = $2, attempts = $3, result = $4, last_error = $5, completed_at = $6, failed_at = $7, updated_at = NOW()
		WHERE id = $1
	`, res.TaskID, res.Status, res.Attempts, resultJSON, emptyToNil(res.Error), res.CompletedAt, res.FailedAt)
	return err
}

// FetchOutcome reads a task row back as a Result. The second return is
// false when no row exists.
func (s *Store) FetchOutcome(ctx context.Context, taskID string) (*escalate.Result, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, status, attempts, result, last_error, completed_at, failed_at
		FROM escalated_tasks WHERE id = $1
	`, taskID)

	var res escalate.Result
	var resultJSON []byte
	var lastErr pgtype.Text
	var completedAt, failedAt pgtype.Timestamptz

	if err := row.Scan(&res.TaskID, &res.Type, &res.Status, &res.Attempts, &resultJSON, &lastErr, &completedAt, &failedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scan escalated task: %w", err)
	}

	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &res.Result); err != nil {
			return nil, false, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if lastErr.Valid {
		res.Error = lastErr.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		res.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		res.FailedAt = &t
	}
	return &res, true, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
