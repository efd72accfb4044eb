package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds a token-guarded key with a TTL that is refreshed while
// the lease is alive. A crashed holder loses the lock when the TTL expires.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string) (Lease, bool, error) {
	key := fmt.Sprintf("lock:%s:%d", name, Key(name))
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	lease := &redisLease{
		client: l.client,
		key:    key,
		token:  token,
		ttl:    l.ttl,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, true, nil
}

type redisLease struct {
	once   sync.Once
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

func (l *redisLease) keepAlive() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds())
			cancel()
		case <-l.stopCh:
			return
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		var n int64
		n, err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
		if err == nil && n == 0 {
			err = fmt.Errorf("lock %s expired before release", l.key)
		}
	})
	return err
}
