// Package queue is the durable dispatch channel between the submission API
// and the orchestrator workers. Delivery is at-least-once: consumers must
// tolerate duplicate messages.
package queue

import (
	"context"
	"time"
)

// Kind classifies dispatch messages.
type Kind string

const (
	// KindStart asks a worker to run the job pipeline.
	KindStart Kind = "start"
	// KindCancel asks a worker to resolve a still-pending job to cancelled
	// without waiting for it to be dispatched.
	KindCancel Kind = "cancel"
)

// Lane names a worker lane. The gpu lane runs with concurrency 1 so at most
// one accelerator-bound pipeline executes at any instant.
type Lane string

const (
	LaneGPU      Lane = "gpu"
	LaneStandard Lane = "standard"
)

// Message is the wire payload carried on a lane.
type Message struct {
	Kind  Kind   `json:"kind"`
	JobID string `json:"job_id"`
}

// Queue is the dispatch contract.
type Queue interface {
	// Enqueue appends a message to a lane.
	Enqueue(ctx context.Context, lane Lane, msg Message) error

	// Dequeue blocks up to wait for the next message. A nil message with a
	// nil error means the wait elapsed with nothing to deliver.
	Dequeue(ctx context.Context, lane Lane, wait time.Duration) (*Message, error)

	// Len reports the current depth of a lane.
	Len(ctx context.Context, lane Lane) (int64, error)
}
