package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// Acquire takes a set-if-absent lock with TTL. A held lock returns
// domain.ErrLockHeld so producers can exit cleanly; the TTL bounds orphan
// risk when a holder crashes without releasing.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(ctx context.Context) error, error) {
	token := uuid.New().String()
	redisKey := keyPrefix + ":lock:" + key
	ok, err := m.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Acquire: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("op=redisq.Acquire: %q: %w", key, domain.ErrLockHeld)
	}
	release := func(ctx context.Context) error {
		if err := releaseLockScript.Run(ctx, m.rdb, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("op=redisq.Release: %w", err)
		}
		return nil
	}
	return release, nil
}

var _ domain.Lock = (*Manager)(nil)
