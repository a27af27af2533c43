package storage

import (
	"log/slog"
	"sync"
)

// Record kinds.
const (
	KindRuns     = "runs"
	KindProfiles = "profiles"
	KindTraffic  = "traffic"
)

type writerKey struct {
	segment string
	kind    string
	name    string
}

// WriterRegistry hands out one JSONLWriter per segment, kind and file name.
type WriterRegistry struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	mu      sync.Mutex
	writers map[writerKey]*JSONLWriter
}

func NewWriterRegistry(baseDir string, bufferSize, maxSizeMB int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[writerKey]*JSONLWriter),
	}
}

// GetWriter returns the writer for segment/kind/name, creating it on first
// use. An empty segment writes directly under the kind directory.
func (r *WriterRegistry) GetWriter(segment, kind, name string) *JSONLWriter {
	key := writerKey{segment: segment, kind: kind, name: name}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[key]; ok {
		return w
	}

	subDir := kind
	if segment != "" {
		subDir = segment + "/" + kind
	}
	w := NewJSONLWriter(r.baseDir, subDir, name, r.bufferSize, r.maxSizeMB)
	r.writers[key] = w
	slog.Debug("created jsonl writer", "segment", segment, "kind", kind, "name", name)
	return w
}

// Records returns the account's writer for kind.
func (r *WriterRegistry) Records(kind, accountID string) *JSONLWriter {
	return r.GetWriter("", kind, accountID)
}

// Close closes all writers.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for key, w := range r.writers {
		if err := w.Close(); err != nil {
			slog.Error("failed to close writer", "kind", key.kind, "name", key.name, "error", err)
			lastErr = err
		}
	}
	r.writers = make(map[writerKey]*JSONLWriter)
	return lastErr
}
