// Package postgres provides a PostgreSQL implementation of oplog.Repository
// for multi-instance deployments, where the partial unique index is what
// keeps two processes from both reserving the same user.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

// Schema is applied by Migrate. Kept exported so operators can run it by hand.
const Schema = `
CREATE TABLE IF NOT EXISTS exit_fee_operations (
    id                 TEXT        PRIMARY KEY,
    payment_intent_id  TEXT        NOT NULL UNIQUE,
    user_id            TEXT        NOT NULL,
    from_team_id       TEXT,
    to_team_id         TEXT,
    amount             BIGINT      NOT NULL,
    lightning_address  TEXT        NOT NULL,
    status             TEXT        NOT NULL,
    payment_hash       TEXT,
    invoice_text       TEXT,
    retry_count        INTEGER     NOT NULL DEFAULT 0,
    error_message      TEXT,
    error_category     TEXT        NOT NULL DEFAULT '',
    trace_id           TEXT        NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL,
    completed_at       TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_exit_fee_operations_active_user
    ON exit_fee_operations(user_id)
    WHERE status NOT IN ('team_change_complete', 'compensated');

CREATE INDEX IF NOT EXISTS idx_exit_fee_operations_status_created
    ON exit_fee_operations(status, created_at);

ALTER TABLE exit_fee_operations ADD COLUMN IF NOT EXISTS error_category TEXT NOT NULL DEFAULT '';
`

const uniqueViolation = "23505"

const columns = `id, payment_intent_id, user_id, from_team_id, to_team_id, amount,
       lightning_address, status, payment_hash, invoice_text, retry_count,
       error_message, error_category, trace_id, created_at, updated_at, completed_at`

// Repository is the PostgreSQL implementation of oplog.Repository.
type Repository struct {
	db *pgxpool.Pool
}

var _ oplog.Repository = (*Repository)(nil)

// NewRepository wraps an existing pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Connect builds a pool from a connection string using the simple protocol,
// which keeps the repository usable behind PgBouncer.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema. Idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, op *oplog.ExitFeeOperation) error {
	oplog.Stamp(ctx, op)

	q := `INSERT INTO exit_fee_operations (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, q,
		op.ID, op.PaymentIntentID, op.UserID, op.FromTeamID, op.ToTeamID, op.Amount,
		op.LightningAddress, string(op.Status), op.PaymentHash, op.InvoiceText, op.RetryCount,
		op.ErrorMessage, op.ErrorCategory, op.TraceID, op.CreatedAt.UTC(), op.UpdatedAt.UTC(), op.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: create operation for user %q: %w", op.UserID, oplog.ErrOperationInProgress)
		}
		return fmt.Errorf("postgres: create operation %q: %w", op.ID, err)
	}
	return nil
}

// Update writes op only while the row is still in status expected, so
// instances racing on the same operation cannot overwrite each other.
func (r *Repository) Update(ctx context.Context, op *oplog.ExitFeeOperation, expected oplog.Status) error {
	oplog.Stamp(ctx, op)

	const q = `
		UPDATE exit_fee_operations
		SET    status = $1, payment_hash = $2, invoice_text = $3, retry_count = $4,
		       error_message = $5, error_category = $6, trace_id = $7, updated_at = $8, completed_at = $9
		WHERE  id = $10 AND status = $11`

	tag, err := r.db.Exec(ctx, q,
		string(op.Status), op.PaymentHash, op.InvoiceText, op.RetryCount,
		op.ErrorMessage, op.ErrorCategory, op.TraceID, op.UpdatedAt.UTC(), op.CompletedAt,
		op.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("postgres: update operation %q: %w", op.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRow(ctx, `SELECT status FROM exit_fee_operations WHERE id = $1`, op.ID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("postgres: update operation %q: %w", op.ID, oplog.ErrOperationNotFound)
	case err != nil:
		return fmt.Errorf("postgres: update operation %q: %w", op.ID, err)
	}
	return fmt.Errorf("postgres: update operation %q: stored %s, expected %s: %w", op.ID, status, expected, oplog.ErrStaleOperation)
}

func (r *Repository) Get(ctx context.Context, id string) (*oplog.ExitFeeOperation, error) {
	q := `SELECT ` + columns + ` FROM exit_fee_operations WHERE id = $1`

	op, err := scanOperation(r.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: operation %q: %w", id, oplog.ErrOperationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get operation %q: %w", id, err)
	}
	return op, nil
}

func (r *Repository) FindActiveByUser(ctx context.Context, userID string) (*oplog.ExitFeeOperation, error) {
	q := `SELECT ` + columns + `
		FROM  exit_fee_operations
		WHERE user_id = $1 AND status NOT IN ('team_change_complete', 'compensated')
		LIMIT 1`

	op, err := scanOperation(r.db.QueryRow(ctx, q, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: active operation for user %q: %w", userID, oplog.ErrOperationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find active operation for %q: %w", userID, err)
	}
	return op, nil
}

func (r *Repository) ListByStatusOlderThan(ctx context.Context, statuses []oplog.Status, cutoff time.Time) ([]*oplog.ExitFeeOperation, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	q := `SELECT ` + columns + `
		FROM     exit_fee_operations
		WHERE    status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC`

	return r.query(ctx, q, names, cutoff.UTC())
}

func (r *Repository) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*oplog.ExitFeeOperation, error) {
	q := `SELECT ` + columns + `
		FROM     exit_fee_operations
		WHERE    created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC`

	return r.query(ctx, q, from.UTC(), to.UTC())
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]*oplog.ExitFeeOperation, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query operations: %w", err)
	}
	defer rows.Close()

	var out []*oplog.ExitFeeOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate operations: %w", err)
	}
	return out, nil
}

func scanOperation(row pgx.Row) (*oplog.ExitFeeOperation, error) {
	var (
		op     oplog.ExitFeeOperation
		status string
	)
	err := row.Scan(
		&op.ID, &op.PaymentIntentID, &op.UserID, &op.FromTeamID, &op.ToTeamID, &op.Amount,
		&op.LightningAddress, &status, &op.PaymentHash, &op.InvoiceText, &op.RetryCount,
		&op.ErrorMessage, &op.ErrorCategory, &op.TraceID, &op.CreatedAt, &op.UpdatedAt, &op.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Status = oplog.Status(status)
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = op.UpdatedAt.UTC()
	if op.CompletedAt != nil {
		t := op.CompletedAt.UTC()
		op.CompletedAt = &t
	}
	return &op, nil
}
