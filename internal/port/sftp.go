package port

import (
	"context"
	"io"
)

// SftpClient is a keep-alive connection to one configured SFTP source,
// reused across download jobs.
type SftpClient interface {
	// Open opens the remote file at path for reading. The caller is
	// responsible for closing the returned ReadCloser.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Stat returns the remote file's size, used to detect jobs whose
	// declared size disagrees with reality.
	Stat(ctx context.Context, path string) (size int64, err error)

	// Close tears down the underlying SSH connection.
	Close() error
}

// SftpDialer lazily establishes SftpClient connections for a named source,
// keyed by source name so each configured SFTP source gets its own
// keep-alive connection reused across jobs.
type SftpDialer interface {
	Dial(ctx context.Context, sourceName string) (SftpClient, error)
}
