package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the caller still holds it, so a
// replica that lost its lease to TTL expiry cannot delete a successor's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a time-bound distributed lock held by one replica.
type Lease struct {
	Key   string
	token string
}

type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire attempts a set-if-absent with TTL. ok=false means another replica
// holds the lease; that is not an error.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{Key: key, token: token}, true, nil
}

// Release gives the lease back via owner-checked delete. Releasing an
// already-expired lease is a no-op.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	return nil
}
