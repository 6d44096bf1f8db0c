// Package artifact stores job inputs and outputs as objects. Outputs are
// content-hashed on upload so downloads can be integrity-checked.
package artifact

import (
	"context"
	"errors"
	"io"

	"audiobrief/internal/job"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is the object storage contract. Job outputs live under the
// "<jobID>/" prefix; inputs are addressed by the object key captured in the
// job's parameters.
type Store interface {
	// Put uploads the file at path as jobID/name and returns its metadata,
	// including the sha256 of the content.
	Put(ctx context.Context, jobID, name, path string) (job.Artifact, error)

	// Open streams the artifact jobID/name.
	Open(ctx context.Context, jobID, name string) (io.ReadCloser, error)

	// Fetch downloads an arbitrary object to a local file.
	Fetch(ctx context.Context, object, localPath string) error

	// Remove deletes one object; unknown objects are a no-op.
	Remove(ctx context.Context, object string) error

	// RemovePrefix deletes every object under prefix; safe to run twice.
	RemovePrefix(ctx context.Context, prefix string) error
}
