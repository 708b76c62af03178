// Package memory is an in-process oplog.Repository for tests and local runs
// without a database. It enforces the same one-active-operation-per-user rule
// as the SQL stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

type Repository struct {
	mu  sync.RWMutex
	ops map[string]*oplog.ExitFeeOperation
}

var _ oplog.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{ops: make(map[string]*oplog.ExitFeeOperation)}
}

func (r *Repository) Create(ctx context.Context, op *oplog.ExitFeeOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[op.ID]; exists {
		return fmt.Errorf("memory: operation %q already exists", op.ID)
	}
	for _, existing := range r.ops {
		if existing.UserID == op.UserID && !existing.Status.IsTerminal() {
			return fmt.Errorf("memory: create operation for user %q: %w", op.UserID, oplog.ErrOperationInProgress)
		}
	}

	oplog.Stamp(ctx, op)
	r.ops[op.ID] = op.Clone()
	return nil
}

func (r *Repository) Update(ctx context.Context, op *oplog.ExitFeeOperation, expected oplog.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.ops[op.ID]
	if !exists {
		return fmt.Errorf("memory: update operation %q: %w", op.ID, oplog.ErrOperationNotFound)
	}
	if stored.Status != expected {
		return fmt.Errorf("memory: update operation %q: stored %s, expected %s: %w", op.ID, stored.Status, expected, oplog.ErrStaleOperation)
	}
	oplog.Stamp(ctx, op)
	r.ops[op.ID] = op.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (*oplog.ExitFeeOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[id]
	if !ok {
		return nil, fmt.Errorf("memory: operation %q: %w", id, oplog.ErrOperationNotFound)
	}
	return op.Clone(), nil
}

func (r *Repository) FindActiveByUser(_ context.Context, userID string) (*oplog.ExitFeeOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, op := range r.ops {
		if op.UserID == userID && !op.Status.IsTerminal() {
			return op.Clone(), nil
		}
	}
	return nil, fmt.Errorf("memory: active operation for user %q: %w", userID, oplog.ErrOperationNotFound)
}

func (r *Repository) ListByStatusOlderThan(_ context.Context, statuses []oplog.Status, cutoff time.Time) ([]*oplog.ExitFeeOperation, error) {
	want := make(map[oplog.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return r.filter(func(op *oplog.ExitFeeOperation) bool {
		return want[op.Status] && op.CreatedAt.Before(cutoff)
	}), nil
}

func (r *Repository) ListCreatedBetween(_ context.Context, from, to time.Time) ([]*oplog.ExitFeeOperation, error) {
	return r.filter(func(op *oplog.ExitFeeOperation) bool {
		return !op.CreatedAt.Before(from) && op.CreatedAt.Before(to)
	}), nil
}

func (r *Repository) filter(keep func(*oplog.ExitFeeOperation) bool) []*oplog.ExitFeeOperation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*oplog.ExitFeeOperation
	for _, op := range r.ops {
		if keep(op) {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
