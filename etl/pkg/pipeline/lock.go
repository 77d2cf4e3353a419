package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const runLockKey = "reports-etl:run-lock"

// Compare-and-delete so a slow instance cannot release a lock that expired
// and was re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// RunLock serializes pipeline runs across instances through Redis. The TTL
// backstops crashed holders; it must be at least the run ceiling.
type RunLock struct {
	log    *slog.Logger
	client *redis.Client
	ttl    time.Duration
}

func NewRunLock(log *slog.Logger, client *redis.Client, ttl time.Duration) (*RunLock, error) {
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	return &RunLock{log: log, client: client, ttl: ttl}, nil
}

// Acquire attempts to take the lock for this run. Returns false without
// error when another instance holds it.
func (l *RunLock) Acquire(ctx context.Context, runID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, runLockKey, runID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if ok {
		l.log.Debug("run lock acquired", "run_id", runID, "ttl", l.ttl)
	}
	return ok, nil
}

// Release frees the lock if this run still holds it. Releasing a lock that
// already expired is not an error.
func (l *RunLock) Release(ctx context.Context, runID string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{runLockKey}, runID).Result(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
