package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Queue: one redis list per lane, RPush to enqueue,
// BLPop to consume.
type Redis struct {
	client *redis.Client
	keys   map[Lane]string
}

// NewRedis wraps an existing client. Lane keys give each deployment its own
// namespace.
func NewRedis(client *redis.Client, gpuKey, standardKey string) *Redis {
	return &Redis{
		client: client,
		keys: map[Lane]string{
			LaneGPU:      gpuKey,
			LaneStandard: standardKey,
		},
	}
}

func (r *Redis) key(lane Lane) (string, error) {
	key, ok := r.keys[lane]
	if !ok {
		return "", fmt.Errorf("unknown lane %q", lane)
	}
	return key, nil
}

// Enqueue appends a message to the lane's list.
func (r *Redis) Enqueue(ctx context.Context, lane Lane, msg Message) error {
	key, err := r.key(lane)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	if err := r.client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue on %s: %w", key, err)
	}
	return nil
}

// Dequeue blocks up to wait on the lane's list.
func (r *Redis) Dequeue(ctx context.Context, lane Lane, wait time.Duration) (*Message, error) {
	key, err := r.key(lane)
	if err != nil {
		return nil, err
	}

	res, err := r.client.BLPop(ctx, wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", key, err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("invalid dispatch payload: %w", err)
	}
	return &msg, nil
}

// Len reports the lane's list length.
func (r *Redis) Len(ctx context.Context, lane Lane) (int64, error) {
	key, err := r.key(lane)
	if err != nil {
		return 0, err
	}
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth of %s: %w", key, err)
	}
	return n, nil
}
