package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one archived batch object.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// BlobWriter stores archive batches.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads archive batches back. Exists lets a retried export skip
// a batch that was uploaded before the store was marked.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports terminal options (Canceled, Exercised, Expired, Closed)
// whose last transition happened before the cutoff and reports how many
// records it moved.
type Archiver interface {
	ArchiveTerminal(ctx context.Context, before time.Time) (int64, error)
}
