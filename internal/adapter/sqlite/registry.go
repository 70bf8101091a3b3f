// Package sqlite implements port.Registry over a local SQLite database,
// grounded on the teacher's internal/adapter/sqlite Store: WAL journal mode,
// a busy timeout so concurrent writers back off instead of erroring, and a
// tolerant migrate() that only ever creates missing tables and indexes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/port"
)

// Store is a SQLite-backed port.Registry.
type Store struct {
	db *sql.DB
}

var _ port.Registry = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at dbPath, applies
// WAL pragmas and runs migrations.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.NewPersistentIOError(err, "opening sqlite database")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, domain.NewPersistentIOError(err, "migrating sqlite database")
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS file (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			source TEXT NOT NULL,
			path TEXT NOT NULL,
			modified DATETIME NOT NULL,
			size INTEGER NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			UNIQUE(source, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_source ON file(source)`,
		`CREATE TABLE IF NOT EXISTS sftp_download (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			source TEXT NOT NULL,
			remote_path TEXT NOT NULL,
			size INTEGER,
			file_id INTEGER REFERENCES file(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sftp_download_source_path ON sftp_download(source, remote_path)`,
		`CREATE TABLE IF NOT EXISTS directory_source (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			source TEXT NOT NULL,
			path TEXT NOT NULL,
			modified DATETIME NOT NULL,
			size INTEGER NOT NULL,
			file_id INTEGER REFERENCES file(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS dispatched (
			file_id INTEGER NOT NULL REFERENCES file(id) ON DELETE CASCADE,
			target TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatched_file_target ON dispatched(file_id, target)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

// RegisterFile idempotently upserts a File by (source, path).
func (s *Store) RegisterFile(ctx context.Context, key domain.FileKey, modified time.Time, size int64, hash string) (int64, domain.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, domain.NewTransientIOError(err, "begin RegisterFile tx", 0)
	}
	defer tx.Rollback()

	var existingID int64
	var existingHash string
	err = tx.QueryRowContext(ctx, `SELECT id, hash FROM file WHERE source = ? AND path = ?`, key.Source, key.Path).Scan(&existingID, &existingHash)

	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `INSERT INTO file (timestamp, source, path, modified, size, hash) VALUES (?, ?, ?, ?, ?, ?)`,
			time.Now().UTC(), key.Source, key.Path, modified, size, hash)
		if err != nil {
			return 0, 0, domain.NewTransientIOError(err, "insert file", 0)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, 0, domain.NewTransientIOError(err, "read inserted file id", 0)
		}
		if err := tx.Commit(); err != nil {
			return 0, 0, domain.NewTransientIOError(err, "commit RegisterFile tx", 0)
		}
		return id, domain.Created, nil

	case err != nil:
		return 0, 0, domain.NewTransientIOError(err, "lookup file", 0)
	}

	result := domain.UpdatedSameHash
	if hash != "" && hash != existingHash {
		result = domain.UpdatedNewHash
	}

	newHash := existingHash
	if hash != "" {
		newHash = hash
	}

	if _, err := tx.ExecContext(ctx, `UPDATE file SET modified = ?, size = ?, hash = ? WHERE id = ?`,
		modified, size, newHash, existingID); err != nil {
		return 0, 0, domain.NewTransientIOError(err, "update file", 0)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, domain.NewTransientIOError(err, "commit RegisterFile tx", 0)
	}
	return existingID, result, nil
}

// GetFile returns the File row for (source, path), or domain.ErrNotFound.
func (s *Store) GetFile(ctx context.Context, key domain.FileKey) (*domain.File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, source, path, modified, size, hash FROM file WHERE source = ? AND path = ?`,
		key.Source, key.Path)

	f := &domain.File{}
	if err := row.Scan(&f.ID, &f.Source, &f.Path, &f.Modified, &f.Size, &f.Hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewTransientIOError(err, "GetFile", 0)
	}
	return f, nil
}

// ListFilesBySource returns every File row for source.
func (s *Store) ListFilesBySource(ctx context.Context, source string) ([]*domain.File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source, path, modified, size, hash FROM file WHERE source = ?`, source)
	if err != nil {
		return nil, domain.NewTransientIOError(err, "ListFilesBySource", 0)
	}
	defer rows.Close()

	var out []*domain.File
	for rows.Next() {
		f := &domain.File{}
		if err := rows.Scan(&f.ID, &f.Source, &f.Path, &f.Modified, &f.Size, &f.Hash); err != nil {
			return nil, domain.NewTransientIOError(err, "scan file row", 0)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// HasDispatched reports whether a Dispatched row already exists for (fileID, target).
func (s *Store) HasDispatched(ctx context.Context, fileID int64, target string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dispatched WHERE file_id = ? AND target = ? LIMIT 1`, fileID, target).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.NewTransientIOError(err, "HasDispatched", 0)
	}
	return true, nil
}

// RecordDispatched inserts a Dispatched row.
func (s *Store) RecordDispatched(ctx context.Context, fileID int64, target string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO dispatched (file_id, target, timestamp) VALUES (?, ?, ?)`,
		fileID, target, time.Now().UTC())
	if err != nil {
		return domain.NewTransientIOError(err, "RecordDispatched", 0)
	}
	return nil
}

// RecordSftpDownload inserts a SftpDownload row for a job about to be materialized.
func (s *Store) RecordSftpDownload(ctx context.Context, source, remotePath string, size *int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sftp_download (timestamp, source, remote_path, size) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), source, remotePath, size)
	if err != nil {
		return 0, domain.NewTransientIOError(err, "RecordSftpDownload", 0)
	}
	return res.LastInsertId()
}

// LinkSftpDownload sets file_id on a previously recorded SftpDownload row.
func (s *Store) LinkSftpDownload(ctx context.Context, downloadID, fileID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sftp_download SET file_id = ? WHERE id = ?`, fileID, downloadID)
	if err != nil {
		return domain.NewTransientIOError(err, "LinkSftpDownload", 0)
	}
	return nil
}

// RecordDirectorySource inserts a DirectorySourceRecord row.
func (s *Store) RecordDirectorySource(ctx context.Context, source, path string, modified time.Time, size int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO directory_source (timestamp, source, path, modified, size) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), source, path, modified, size)
	if err != nil {
		return 0, domain.NewTransientIOError(err, "RecordDirectorySource", 0)
	}
	return res.LastInsertId()
}

// LinkDirectorySource sets file_id on a previously recorded DirectorySourceRecord row.
func (s *Store) LinkDirectorySource(ctx context.Context, recordID, fileID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE directory_source SET file_id = ? WHERE id = ?`, fileID, recordID)
	if err != nil {
		return domain.NewTransientIOError(err, "LinkDirectorySource", 0)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewTransientIOError(err, "sqlite ping", 0)
	}
	return nil
}
