// Package sqlite provides a SQLite-backed implementation of oplog.Repository.
//
// WAL mode is enabled on Open so the saga goroutines can write while the HTTP
// status endpoint and the reconciliation sweep read.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"

	// Register the pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup.
// The partial unique index is the persisted half of the one-active-operation
// per user invariant: a second INSERT for a user with a non-terminal row fails.
const schema = `
CREATE TABLE IF NOT EXISTS exit_fee_operations (
    id                 TEXT    PRIMARY KEY,
    payment_intent_id  TEXT    NOT NULL UNIQUE,
    user_id            TEXT    NOT NULL,
    from_team_id       TEXT,
    to_team_id         TEXT,
    amount             INTEGER NOT NULL,
    lightning_address  TEXT    NOT NULL,
    status             TEXT    NOT NULL,
    payment_hash       TEXT,
    invoice_text       TEXT,
    retry_count        INTEGER NOT NULL DEFAULT 0,
    error_message      TEXT,
    error_category     TEXT    NOT NULL DEFAULT '',
    trace_id           TEXT    NOT NULL DEFAULT '',
    created_at         TEXT    NOT NULL,
    updated_at         TEXT    NOT NULL,
    completed_at       TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_exit_fee_operations_active_user
    ON exit_fee_operations(user_id)
    WHERE status NOT IN ('team_change_complete', 'compensated');

-- Stuck-payment sweep: status + age.
CREATE INDEX IF NOT EXISTS idx_exit_fee_operations_status_created
    ON exit_fee_operations(status, created_at);

CREATE INDEX IF NOT EXISTS idx_exit_fee_operations_created
    ON exit_fee_operations(created_at);
`

const columns = `id, payment_intent_id, user_id, from_team_id, to_team_id, amount,
       lightning_address, status, payment_hash, invoice_text, retry_count,
       error_message, error_category, trace_id, created_at, updated_at, completed_at`

// Repository is the SQLite implementation of oplog.Repository.
type Repository struct {
	db *sql.DB
}

var _ oplog.Repository = (*Repository)(nil)

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
//
//	repo, err := sqlite.Open("./data/exitfee.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// Single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts op. A unique-index violation on the active-user index is
// reported as oplog.ErrOperationInProgress.
func (r *Repository) Create(ctx context.Context, op *oplog.ExitFeeOperation) error {
	oplog.Stamp(ctx, op)

	const q = `
		INSERT INTO exit_fee_operations (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		op.ID,
		op.PaymentIntentID,
		op.UserID,
		nullable(op.FromTeamID),
		nullable(op.ToTeamID),
		op.Amount,
		op.LightningAddress,
		string(op.Status),
		nullable(op.PaymentHash),
		nullable(op.InvoiceText),
		op.RetryCount,
		nullable(op.ErrorMessage),
		op.ErrorCategory,
		op.TraceID,
		formatTime(op.CreatedAt),
		formatTime(op.UpdatedAt),
		nullableTime(op.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: create operation for user %q: %w", op.UserID, oplog.ErrOperationInProgress)
		}
		return fmt.Errorf("sqlite: create operation %q: %w", op.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of op if the row is still in status
// expected. The status guard makes concurrent writers from several processes
// lose cleanly instead of overwriting each other.
func (r *Repository) Update(ctx context.Context, op *oplog.ExitFeeOperation, expected oplog.Status) error {
	oplog.Stamp(ctx, op)

	const q = `
		UPDATE exit_fee_operations
		SET    status = ?, payment_hash = ?, invoice_text = ?, retry_count = ?,
		       error_message = ?, error_category = ?, trace_id = ?, updated_at = ?, completed_at = ?
		WHERE  id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, q,
		string(op.Status),
		nullable(op.PaymentHash),
		nullable(op.InvoiceText),
		op.RetryCount,
		nullable(op.ErrorMessage),
		op.ErrorCategory,
		op.TraceID,
		formatTime(op.UpdatedAt),
		nullableTime(op.CompletedAt),
		op.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update operation %q: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update operation %q: %w", op.ID, err)
	}
	if n == 0 {
		return r.missedUpdate(ctx, op.ID, expected)
	}
	return nil
}

// missedUpdate explains an UPDATE that matched no row.
func (r *Repository) missedUpdate(ctx context.Context, id string, expected oplog.Status) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM exit_fee_operations WHERE id = ?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite: update operation %q: %w", id, oplog.ErrOperationNotFound)
	case err != nil:
		return fmt.Errorf("sqlite: update operation %q: %w", id, err)
	}
	return fmt.Errorf("sqlite: update operation %q: stored %s, expected %s: %w", id, status, expected, oplog.ErrStaleOperation)
}

// Get returns a single operation by ID.
func (r *Repository) Get(ctx context.Context, id string) (*oplog.ExitFeeOperation, error) {
	q := `SELECT ` + columns + ` FROM exit_fee_operations WHERE id = ?`

	op, err := scanOperation(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: operation %q: %w", id, oplog.ErrOperationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get operation %q: %w", id, err)
	}
	return op, nil
}

// FindActiveByUser returns the user's non-terminal operation.
func (r *Repository) FindActiveByUser(ctx context.Context, userID string) (*oplog.ExitFeeOperation, error) {
	q := `SELECT ` + columns + `
		FROM   exit_fee_operations
		WHERE  user_id = ? AND status NOT IN ('team_change_complete', 'compensated')
		LIMIT  1`

	op, err := scanOperation(r.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: active operation for user %q: %w", userID, oplog.ErrOperationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find active operation for %q: %w", userID, err)
	}
	return op, nil
}

// ListByStatusOlderThan backs the stuck-payment query.
func (r *Repository) ListByStatusOlderThan(ctx context.Context, statuses []oplog.Status, cutoff time.Time) ([]*oplog.ExitFeeOperation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	q := `SELECT ` + columns + `
		FROM   exit_fee_operations
		WHERE  status IN (` + placeholders + `) AND created_at < ?
		ORDER  BY created_at ASC`

	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, formatTime(cutoff))

	return r.query(ctx, q, args...)
}

// ListCreatedBetween backs the analytics queries.
func (r *Repository) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*oplog.ExitFeeOperation, error) {
	q := `SELECT ` + columns + `
		FROM   exit_fee_operations
		WHERE  created_at >= ? AND created_at < ?
		ORDER  BY created_at ASC`

	return r.query(ctx, q, formatTime(from), formatTime(to))
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]*oplog.ExitFeeOperation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query operations: %w", err)
	}
	defer rows.Close()

	var out []*oplog.ExitFeeOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate operations: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*oplog.ExitFeeOperation, error) {
	var (
		op                              oplog.ExitFeeOperation
		status                          string
		fromTeam, toTeam, hash, invoice sql.NullString
		errMsg, completedAt             sql.NullString
		createdAt, updatedAt            string
	)
	err := row.Scan(
		&op.ID,
		&op.PaymentIntentID,
		&op.UserID,
		&fromTeam,
		&toTeam,
		&op.Amount,
		&op.LightningAddress,
		&status,
		&hash,
		&invoice,
		&op.RetryCount,
		&errMsg,
		&op.ErrorCategory,
		&op.TraceID,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Status = oplog.Status(status)
	op.FromTeamID = fromNull(fromTeam)
	op.ToTeamID = fromNull(toTeam)
	op.PaymentHash = fromNull(hash)
	op.InvoiceText = fromNull(invoice)
	op.ErrorMessage = fromNull(errMsg)

	if op.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if op.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseRFC3339(completedAt.String)
		if err != nil {
			return nil, err
		}
		op.CompletedAt = &t
	}
	return &op, nil
}

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	// Databases created before error_category existed.
	_, err := db.Exec(`ALTER TABLE exit_fee_operations ADD COLUMN error_category TEXT NOT NULL DEFAULT ''`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("sqlite: add error_category: %w", err)
	}
	return nil
}

// nullable returns nil for absent optional columns so SQLite stores NULL.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
