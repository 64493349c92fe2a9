package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCycleInProgress is returned when a cycle is already running here or on
// another replica.
var ErrCycleInProgress = errors.New("cycle already in progress")

// CycleLock is a best-effort lease that keeps two replicas from scanning the
// same cycle at once. Correctness never depends on it.
type CycleLock interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}

// NoopCycleLock always grants the lease. Used for single-replica deployments.
type NoopCycleLock struct{}

func (NoopCycleLock) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

var releaseCycleLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCycleLock implements CycleLock with SET NX PX and a compare-and-delete
// release so one replica never frees another replica's lease.
type RedisCycleLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCycleLock(client redis.UniversalClient, prefix string) *RedisCycleLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "hosting:cycle_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisCycleLock{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisCycleLock) key(name string) string {
	return fmt.Sprintf("%s:%s", r.prefix, strings.TrimSpace(name))
}

func (r *RedisCycleLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if r == nil || r.client == nil {
		return func() {}, true, nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	key := r.key(name)
	owner := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseCycleLockScript.Run(releaseCtx, r.client, []string{key}, owner).Err()
	}
	return release, true, nil
}
