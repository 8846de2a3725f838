package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobStore is the object storage the archive writes to and reads back from.
type BlobStore interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// Get returns ErrNotFound for a missing object.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver copies settled markets to cold storage.
type Archiver interface {
	// ArchiveSettled exports every terminal market last updated before the
	// cutoff that has not been archived yet. It returns the count written.
	ArchiveSettled(ctx context.Context, before time.Time) (int64, error)
}

// ArchivedMarket is a market read back from the archive.
type ArchivedMarket struct {
	Path   string      `json:"path"`
	Market Market      `json:"market"`
	Bets   []BetRecord `json:"bets"`
}
