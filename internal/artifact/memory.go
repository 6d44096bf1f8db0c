package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"audiobrief/internal/job"
)

// Memory is an in-process Store used by tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Seed places an object directly, so tests can stage job inputs.
func (m *Memory) Seed(object string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[object] = append([]byte(nil), content...)
}

// Objects returns the stored object keys, for test assertions.
func (m *Memory) Objects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

// Put uploads the file at path as jobID/name.
func (m *Memory) Put(ctx context.Context, jobID, name, localPath string) (job.Artifact, error) {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return job.Artifact{}, fmt.Errorf("read artifact %s: %w", localPath, err)
	}

	sum := sha256.Sum256(content)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path.Join(jobID, name)] = content

	return job.Artifact{
		Name:   name,
		Size:   int64(len(content)),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

// Open streams the artifact jobID/name.
func (m *Memory) Open(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, ok := m.objects[path.Join(jobID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// Fetch writes an object to a local file.
func (m *Memory) Fetch(ctx context.Context, object, localPath string) error {
	m.mu.Lock()
	content, ok := m.objects[object]
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return os.WriteFile(localPath, content, 0o644)
}

// Remove deletes one object.
func (m *Memory) Remove(ctx context.Context, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, object)
	return nil
}

// RemovePrefix deletes every object under prefix.
func (m *Memory) RemovePrefix(ctx context.Context, prefix string) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}
