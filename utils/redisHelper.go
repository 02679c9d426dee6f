package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/tms_backend/config"
)

var ErrLockNotObtained = errors.New("lock held by another worker")

// ObtainLock takes a redis lock named lockType:key. When redis is not connected it
// returns a no-op release so callers still rely on their DB-level claim.
func ObtainLock(ctx context.Context, lockType string, key string, ttl time.Duration, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, key)
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock", lockKey, err)
		return nil, ErrLockNotObtained
	} else if err != nil {
		// redis trouble must not stop the job; the DB claim still serialises it
		config.LogError(logger, moduleName, functionName, "Error obtaining lock", lockKey, err)
		return func() {}, nil
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
