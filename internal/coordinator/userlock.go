package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/pkg/lock"
)

// userLocks holds the per-user "operation in progress" markers. The
// in-process map is authoritative for this instance; the optional
// distributed lock keeps other instances out while a run is active.
type userLocks struct {
	mu     sync.Mutex
	held   map[string]string // user -> distributed lock token ("" when local only)
	dist   lock.Locker
	ttl    time.Duration
	logger *slog.Logger
}

func newUserLocks(dist lock.Locker, ttl time.Duration, logger *slog.Logger) *userLocks {
	return &userLocks{
		held:   make(map[string]string),
		dist:   dist,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *userLocks) key(userID string) string {
	return l.dist.GenerateKey("user-operation", userID)
}

func (l *userLocks) reserve(ctx context.Context, userID string) error {
	l.mu.Lock()
	if _, ok := l.held[userID]; ok {
		l.mu.Unlock()
		return oplog.ErrOperationInProgress
	}
	l.held[userID] = ""
	l.mu.Unlock()

	if l.dist == nil {
		return nil
	}

	token, ok, err := l.dist.Acquire(ctx, l.key(userID), l.ttl)
	if err != nil || !ok {
		l.mu.Lock()
		delete(l.held, userID)
		l.mu.Unlock()
		if err != nil {
			return fmt.Errorf("reserve user %s: %w", userID, err)
		}
		return oplog.ErrOperationInProgress
	}

	l.mu.Lock()
	l.held[userID] = token
	l.mu.Unlock()
	return nil
}

// restore marks userID as held without touching the distributed lock. Used
// when rebuilding markers from persisted non-terminal rows.
func (l *userLocks) restore(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[userID]; !ok {
		l.held[userID] = ""
	}
}

func (l *userLocks) release(ctx context.Context, userID string) {
	l.mu.Lock()
	token, ok := l.held[userID]
	delete(l.held, userID)
	l.mu.Unlock()

	if !ok || l.dist == nil || token == "" {
		return
	}
	if err := l.dist.Release(ctx, l.key(userID), token); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		l.logger.WarnContext(ctx, "failed to release distributed user lock", "user_id", userID, "error", err)
	}
}

func (l *userLocks) isHeld(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[userID]
	return ok
}
