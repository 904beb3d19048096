// Package lease keeps two reconciler processes from re-allocating the same
// loan at the same time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loansync/pkg/clock"
	"github.com/mcclellann/loansync/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

// Locker grants short-lived exclusive leases on string keys.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// LoanKey is the lease key of a loan on a track.
func LoanKey(track models.Track, loan models.LoanRef) string {
	return fmt.Sprintf("loansync:%s:%d:%d", track, loan.LoanID, loan.CustomerID)
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker holds leases as SET NX keys so they survive across processes.
type RedisLocker struct {
	client redis.Cmdable
	script *redis.Script
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return token, ok, nil
}

// Release deletes the key only while it still carries token.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

type localLease struct {
	token   string
	expires time.Time
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]localLease
}

func NewLocalLocker(clk clock.Clock) *LocalLocker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &LocalLocker{clock: clk, leases: make(map[string]localLease)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[key] = localLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return errors.New("lease key is empty")
	}
	if ttl <= 0 {
		return errors.New("lease ttl must be positive")
	}
	return nil
}
