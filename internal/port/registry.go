package port

import (
	"context"
	"time"

	"github.com/cortexsys/dispatcher/internal/domain"
)

// Registry is the Registry Store's port: a durable record of files, SFTP
// downloads, directory-source records, and dispatched targets. Exactly one
// backend (SQLite or PostgreSQL) satisfies this interface at runtime,
// selected by configuration; the Dispatcher Engine and SFTP Executor never
// see which.
type Registry interface {
	// RegisterFile idempotently upserts a File by (source, path). Returns
	// the file's ID and which of Created/UpdatedSameHash/UpdatedNewHash
	// occurred.
	RegisterFile(ctx context.Context, key domain.FileKey, modified time.Time, size int64, hash string) (int64, domain.UpsertResult, error)

	// GetFile returns the File row for (source, path), or domain.ErrNotFound.
	GetFile(ctx context.Context, key domain.FileKey) (*domain.File, error)

	// ListFilesBySource returns every File row for source, used by startup
	// reconciliation scans.
	ListFilesBySource(ctx context.Context, source string) ([]*domain.File, error)

	// HasDispatched reports whether a Dispatched row already exists for
	// (fileID, target), used to decide whether a duplicate-content file
	// still needs to be sent to a given target.
	HasDispatched(ctx context.Context, fileID int64, target string) (bool, error)

	// RecordDispatched inserts a Dispatched row. Safe to call more than once;
	// at-least-once delivery means duplicates are expected on retry.
	RecordDispatched(ctx context.Context, fileID int64, target string) error

	// RecordSftpDownload inserts a SftpDownload row for a job about to be
	// materialized, returning its ID.
	RecordSftpDownload(ctx context.Context, source, remotePath string, size *int64) (int64, error)

	// LinkSftpDownload sets file_id on a previously recorded SftpDownload row.
	LinkSftpDownload(ctx context.Context, downloadID, fileID int64) error

	// RecordDirectorySource inserts a DirectorySourceRecord row.
	RecordDirectorySource(ctx context.Context, source, path string, modified time.Time, size int64) (int64, error)

	// LinkDirectorySource sets file_id on a previously recorded DirectorySourceRecord row.
	LinkDirectorySource(ctx context.Context, recordID, fileID int64) error

	// Close releases pool resources.
	Close() error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
