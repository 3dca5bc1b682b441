package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/dm-responder-go/internal/redis"
)

var ErrLeaseHeld = errors.New("lease held by another owner")

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

type Lease interface {
	Release(ctx context.Context) error
}

// Leaser hands out the exclusive right to run the bot of one account.
type Leaser interface {
	Acquire(ctx context.Context, accountID int64) (Lease, error)
}

// RedisLeaser keeps one key per running account, renewed in the background
// until the lease is released. A crashed process loses its leases after ttl.
type RedisLeaser struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisLeaser(client redis.Cmdable, ttl time.Duration) *RedisLeaser {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLeaser{client: client, ttl: ttl}
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *RedisLeaser) Acquire(ctx context.Context, accountID int64) (Lease, error) {
	key := redisclient.LeaseKey(accountID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{client: l.client, key: key, token: token, cancel: cancel, done: make(chan struct{})}
	go lease.keepAlive(renewCtx, l.ttl)
	return lease, nil
}

func (l *redisLease) keepAlive(ctx context.Context, ttl time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("key", l.key).Msg("failed to renew lease")
				}
				continue
			}
			if n == 0 {
				log.Error().Str("key", l.key).Msg("lease lost")
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
