package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// ArchiveResult describes one archive run.
type ArchiveResult struct {
	Path     string
	Archived int64
	Deleted  int64
}

// TradeArchiver moves old trade tape entries to cold storage.
type TradeArchiver interface {
	ArchiveTrades(ctx context.Context, before time.Time, prune bool) (ArchiveResult, error)
}
