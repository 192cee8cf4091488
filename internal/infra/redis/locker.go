package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
)

const (
	lockTTL         = 30 * time.Second
	lockBackoffStep = 25 * time.Millisecond
	lockBackoffMax  = 250 * time.Millisecond
)

// Release only deletes the key when it still holds our token, so an expired
// lock re-acquired by another process is never released from here.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ ledger.ContributionLocker = (*RedisContributionLocker)(nil)

// RedisContributionLocker serialises refund and completion writes to one
// contribution across processes with a per-contribution Redis lock.
type RedisContributionLocker struct {
	client *goredis.Client
	ttl    time.Duration
	token  func() string
	sleep  func(ctx context.Context, d time.Duration) error
	script *goredis.Script
}

func NewRedisContributionLocker(client *goredis.Client) (*RedisContributionLocker, error) {
	return newRedisContributionLocker(client, lockTTL, nil, nil)
}

func newRedisContributionLocker(
	client *goredis.Client,
	ttl time.Duration,
	tokenFn func() string,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisContributionLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = lockTTL
	}
	if tokenFn == nil {
		tokenFn = uuid.NewString
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisContributionLocker{
		client: client,
		ttl:    ttl,
		token:  tokenFn,
		sleep:  sleepFn,
		script: releaseScript,
	}, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *RedisContributionLocker) Acquire(ctx context.Context, contributionID int64) (func(), error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("contribution locker is not initialized")
	}
	if contributionID <= 0 {
		return nil, fmt.Errorf("contribution id is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key := fmt.Sprintf("lock:contribution:%d", contributionID)
	token := l.token()

	backoff := lockBackoffStep
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire contribution lock: %w", err)
		}
		if ok {
			break
		}

		if err := l.sleep(ctx, backoff); err != nil {
			return nil, err
		}

		backoff += lockBackoffStep
		if backoff > lockBackoffMax {
			backoff = lockBackoffMax
		}
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.script.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
