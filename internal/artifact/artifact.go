// Package artifact stores uploaded files, export outputs, and backup
// snapshots. Backends: local filesystem for development, S3 for production.
package artifact

import (
	"context"
	"io"
	"time"
)

// Info is artifact metadata without content.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store reads and writes opaque artifacts by key. Open returns a streaming
// reader so downloads never buffer whole artifacts in memory.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Stat(ctx context.Context, key string) (Info, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, key string) error
}
