// Package locks provides Redis-backed advisory locks used to serialize
// per-session message processing and per-task skill learning.
//
// All locks carry a TTL so crashed holders self-heal. Token-fenced
// release uses a Lua compare-and-delete so a holder whose TTL drifted
// cannot release a lock re-acquired by someone else.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/acontexthq/acontext/internal/apperr"
)

// releaseScript deletes the key only when its value matches the token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Coordinator issues advisory locks on a shared Redis client.
type Coordinator struct {
	rdb redis.UniversalClient
}

// NewCoordinator creates a lock coordinator on the given client.
func NewCoordinator(rdb redis.UniversalClient) *Coordinator {
	return &Coordinator{rdb: rdb}
}

// Key returns the Redis key for a project-scoped lock qualifier.
func Key(project uuid.UUID, qualifier string) string {
	return fmt.Sprintf("lock.%s.%s", project, qualifier)
}

// TestAndSet attempts to acquire the lock with SET NX EX. It returns
// true iff the lock was newly acquired.
func (c *Coordinator) TestAndSet(ctx context.Context, project uuid.UUID, qualifier string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, Key(project, qualifier), "1", ttl).Result()
	if err != nil {
		return false, apperr.Retryable(err, "lock test-and-set %s", qualifier)
	}
	return ok, nil
}

// AcquireToken acquires the lock with a fresh token value. The caller
// keeps the token and passes it to ReleaseIfToken. Returns ("", false)
// when the lock is already held.
func (c *Coordinator) AcquireToken(ctx context.Context, project uuid.UUID, qualifier string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, Key(project, qualifier), token, ttl).Result()
	if err != nil {
		return "", false, apperr.Retryable(err, "lock acquire %s", qualifier)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock unconditionally.
func (c *Coordinator) Release(ctx context.Context, project uuid.UUID, qualifier string) error {
	if err := c.rdb.Del(ctx, Key(project, qualifier)).Err(); err != nil {
		return apperr.Retryable(err, "lock release %s", qualifier)
	}
	return nil
}

// ReleaseIfToken deletes the lock only when the stored value equals
// token. Returns true when the lock was released by this call.
func (c *Coordinator) ReleaseIfToken(ctx context.Context, project uuid.UUID, qualifier string, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb, []string{Key(project, qualifier)}, token).Int()
	if err != nil {
		return false, apperr.Retryable(err, "lock fenced release %s", qualifier)
	}
	return n == 1, nil
}

// Refresh extends the TTL of a held lock when the stored token still
// matches. Controllers call this only when their expected runtime
// exceeds the TTL.
func (c *Coordinator) Refresh(ctx context.Context, project uuid.UUID, qualifier string, token string, ttl time.Duration) (bool, error) {
	current, err := c.rdb.Get(ctx, Key(project, qualifier)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperr.Retryable(err, "lock refresh %s", qualifier)
	}
	if current != token {
		return false, nil
	}
	ok, err := c.rdb.Expire(ctx, Key(project, qualifier), ttl).Result()
	if err != nil {
		return false, apperr.Retryable(err, "lock refresh %s", qualifier)
	}
	return ok, nil
}
