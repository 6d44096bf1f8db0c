package queue

import (
	"context"
	"fmt"
	"time"
)

// Memory is a channel-backed Queue for tests and single-process runs.
type Memory struct {
	lanes map[Lane]chan Message
}

// NewMemory creates buffered lanes.
func NewMemory(depth int) *Memory {
	if depth <= 0 {
		depth = 128
	}
	return &Memory{
		lanes: map[Lane]chan Message{
			LaneGPU:      make(chan Message, depth),
			LaneStandard: make(chan Message, depth),
		},
	}
}

func (m *Memory) lane(lane Lane) (chan Message, error) {
	ch, ok := m.lanes[lane]
	if !ok {
		return nil, fmt.Errorf("unknown lane %q", lane)
	}
	return ch, nil
}

// Enqueue appends a message, blocking while the lane buffer is full.
func (m *Memory) Enqueue(ctx context.Context, lane Lane, msg Message) error {
	ch, err := m.lane(lane)
	if err != nil {
		return err
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks up to wait for the next message.
func (m *Memory) Dequeue(ctx context.Context, lane Lane, wait time.Duration) (*Message, error) {
	ch, err := m.lane(lane)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return &msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the lane's buffered depth.
func (m *Memory) Len(ctx context.Context, lane Lane) (int64, error) {
	ch, err := m.lane(lane)
	if err != nil {
		return 0, err
	}
	return int64(len(ch)), nil
}
