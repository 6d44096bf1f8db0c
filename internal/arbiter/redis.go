package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts keyed on lease ownership, so refresh and release can never
// touch another process's lease.
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

// RedisBackend coordinates the lease and the FIFO waiter queue across
// processes. Waiters live in a sorted set scored by join time; each waiter
// keeps a liveness key alive while polling, and QueueHead prunes waiters
// whose liveness key has lapsed.
type RedisBackend struct {
	client    *redis.Client
	leaseKey  string
	queueKey  string
	aliveKey  string
	waiterTTL time.Duration
}

// NewRedisBackend namespaces all keys under prefix.
func NewRedisBackend(client *redis.Client, prefix string, waiterTTL time.Duration) *RedisBackend {
	return &RedisBackend{
		client:    client,
		leaseKey:  prefix + ":lease",
		queueKey:  prefix + ":waiters",
		aliveKey:  prefix + ":alive:",
		waiterTTL: waiterTTL,
	}
}

// JoinQueue registers the waiter, keeping its original score on re-join,
// and refreshes its liveness key.
func (b *RedisBackend) JoinQueue(ctx context.Context, waiter string) error {
	score := float64(time.Now().UnixNano())
	if err := b.client.ZAddNX(ctx, b.queueKey, redis.Z{Score: score, Member: waiter}).Err(); err != nil {
		return fmt.Errorf("register waiter: %w", err)
	}
	if err := b.client.Set(ctx, b.aliveKey+waiter, "1", b.waiterTTL).Err(); err != nil {
		return fmt.Errorf("refresh waiter liveness: %w", err)
	}
	return nil
}

// LeaveQueue removes the waiter and its liveness key.
func (b *RedisBackend) LeaveQueue(ctx context.Context, waiter string) error {
	if err := b.client.ZRem(ctx, b.queueKey, waiter).Err(); err != nil {
		return fmt.Errorf("remove waiter: %w", err)
	}
	if err := b.client.Del(ctx, b.aliveKey+waiter).Err(); err != nil {
		return fmt.Errorf("drop waiter liveness: %w", err)
	}
	return nil
}

// QueueHead returns the oldest waiter that is still alive, pruning dead
// entries along the way.
func (b *RedisBackend) QueueHead(ctx context.Context) (string, error) {
	for {
		members, err := b.client.ZRange(ctx, b.queueKey, 0, 0).Result()
		if err != nil {
			return "", fmt.Errorf("read waiter queue: %w", err)
		}
		if len(members) == 0 {
			return "", nil
		}

		head := members[0]
		alive, err := b.client.Exists(ctx, b.aliveKey+head).Result()
		if err != nil {
			return "", fmt.Errorf("check waiter liveness: %w", err)
		}
		if alive > 0 {
			return head, nil
		}

		// Dead waiter at the head: prune and look again.
		if err := b.client.ZRem(ctx, b.queueKey, head).Err(); err != nil {
			return "", fmt.Errorf("prune dead waiter: %w", err)
		}
	}
}

// TryAcquire takes the lease with SET NX PX.
func (b *RedisBackend) TryAcquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.leaseKey, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set lease: %w", err)
	}
	return ok, nil
}

// Refresh extends the lease iff holder still owns it.
func (b *RedisBackend) Refresh(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	res, err := refreshScript.Run(ctx, b.client, []string{b.leaseKey},
		holder, strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release frees the lease iff holder still owns it.
func (b *RedisBackend) Release(ctx context.Context, holder string) error {
	if err := releaseScript.Run(ctx, b.client, []string{b.leaseKey}, holder).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Holder returns the current lease owner.
func (b *RedisBackend) Holder(ctx context.Context) (string, error) {
	holder, err := b.client.Get(ctx, b.leaseKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease holder: %w", err)
	}
	return holder, nil
}
