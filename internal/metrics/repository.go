package metrics

import (
	"context"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
)

// timedRepository records the duration of every store call on the collector.
type timedRepository struct {
	next      oplog.Repository
	collector *Collector
}

// InstrumentRepository wraps repo so each call feeds RecordQuery.
func InstrumentRepository(repo oplog.Repository, c *Collector) oplog.Repository {
	return &timedRepository{next: repo, collector: c}
}

func (r *timedRepository) timed(ctx context.Context, query string, fn func() error) error {
	started := r.collector.now()
	err := fn()
	r.collector.RecordQuery(ctx, query, r.collector.now().Sub(started), err)
	return err
}

func (r *timedRepository) Create(ctx context.Context, op *oplog.ExitFeeOperation) error {
	return r.timed(ctx, "create", func() error { return r.next.Create(ctx, op) })
}

func (r *timedRepository) Update(ctx context.Context, op *oplog.ExitFeeOperation, expected oplog.Status) error {
	return r.timed(ctx, "update", func() error { return r.next.Update(ctx, op, expected) })
}

func (r *timedRepository) Get(ctx context.Context, id string) (op *oplog.ExitFeeOperation, err error) {
	err = r.timed(ctx, "get", func() error {
		op, err = r.next.Get(ctx, id)
		return err
	})
	return op, err
}

func (r *timedRepository) FindActiveByUser(ctx context.Context, userID string) (op *oplog.ExitFeeOperation, err error) {
	err = r.timed(ctx, "find_active_by_user", func() error {
		op, err = r.next.FindActiveByUser(ctx, userID)
		return err
	})
	return op, err
}

func (r *timedRepository) ListByStatusOlderThan(ctx context.Context, statuses []oplog.Status, cutoff time.Time) (ops []*oplog.ExitFeeOperation, err error) {
	err = r.timed(ctx, "list_by_status_older_than", func() error {
		ops, err = r.next.ListByStatusOlderThan(ctx, statuses, cutoff)
		return err
	})
	return ops, err
}

func (r *timedRepository) ListCreatedBetween(ctx context.Context, from, to time.Time) (ops []*oplog.ExitFeeOperation, err error) {
	err = r.timed(ctx, "list_created_between", func() error {
		ops, err = r.next.ListCreatedBetween(ctx, from, to)
		return err
	})
	return ops, err
}
