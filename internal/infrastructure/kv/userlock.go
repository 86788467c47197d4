package kv

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const userLockPrefix = "user_req_lock:"

// UserRequestLock serializes turns per user. A lock is acquired for the
// duration of one turn and released on completion; the TTL guarantees
// eventual release if the holder crashes.
type UserRequestLock struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewUserRequestLock creates the lock over the given store.
func NewUserRequestLock(store Store, ttl time.Duration, logger *zap.Logger) *UserRequestLock {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &UserRequestLock{store: store, ttl: ttl, logger: logger}
}

// Acquire attempts a non-blocking lock for the user. The connection id is
// stored as the value for debugging stuck locks.
func (l *UserRequestLock) Acquire(ctx context.Context, userID, connID string) (bool, error) {
	ok, err := l.store.SetNX(ctx, userLockPrefix+userID, []byte(connID), l.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		l.logger.Warn("User request lock busy", zap.String("user_id", userID))
	}
	return ok, nil
}

// Release drops the lock. Safe to call when the lock already expired.
func (l *UserRequestLock) Release(ctx context.Context, userID string) {
	if err := l.store.Del(ctx, userLockPrefix+userID); err != nil {
		l.logger.Warn("User request lock release failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
