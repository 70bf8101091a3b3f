// Package postgres implements port.Registry over PostgreSQL, grounded on
// BigKAA-goartstore's internal/database package: a pgxpool.Pool plus
// golang-migrate applying embedded SQL migrations under the pgx5 driver.
// RegisterFile uses the "RETURNING (xmax = 0) AS is_insert" trick from
// BigKAA's file_registry.go to distinguish insert from update in a single
// round trip instead of a SELECT-then-branch.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cortexsys/dispatcher/internal/config"
	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/port"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a PostgreSQL-backed port.Registry.
type Store struct {
	pool *pgxpool.Pool
}

var _ port.Registry = (*Store)(nil)

// Open connects to PostgreSQL, applies pending migrations and returns a Store.
func Open(ctx context.Context, cfg *config.PostgreSQLConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, domain.NewConfigError(err, "parsing postgresql DSN")
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, domain.NewTransientIOError(err, "creating postgresql pool", 0)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domain.NewTransientIOError(err, "ping postgresql", time.Second)
	}

	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, domain.NewPersistentIOError(err, "running postgresql migrations")
	}

	return &Store{pool: pool}, nil
}

func runMigrations(cfg *config.PostgreSQLConfig) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("building migration source: %w", err)
	}

	dbURL := fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("initializing migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// RegisterFile idempotently upserts a File by (source, path). It uses the
// "RETURNING (xmax = 0) AS is_insert" trick to detect a fresh insert in one
// round trip, and captures the pre-update hash via a CTE so an update can
// tell a same-content rewrite from a changed one without a second query.
func (s *Store) RegisterFile(ctx context.Context, key domain.FileKey, modified time.Time, size int64, hash string) (int64, domain.UpsertResult, error) {
	const query = `
		WITH prior AS (
			SELECT hash FROM dispatcher.file WHERE source = $1 AND path = $2
		)
		INSERT INTO dispatcher.file (timestamp, source, path, modified, size, hash)
		VALUES (now(), $1, $2, $3, $4, $5)
		ON CONFLICT (source, path) DO UPDATE SET
			modified = EXCLUDED.modified,
			size = EXCLUDED.size,
			hash = CASE WHEN EXCLUDED.hash != '' THEN EXCLUDED.hash ELSE dispatcher.file.hash END
		RETURNING id, (xmax = 0) AS is_insert, (SELECT hash FROM prior) AS prior_hash`

	var id int64
	var isInsert bool
	var priorHash *string
	err := s.pool.QueryRow(ctx, query, key.Source, key.Path, modified, size, hash).Scan(&id, &isInsert, &priorHash)
	if err != nil {
		return 0, 0, domain.NewTransientIOError(err, "RegisterFile", 0)
	}

	if isInsert {
		return id, domain.Created, nil
	}
	result := domain.UpdatedSameHash
	if hash != "" && priorHash != nil && *priorHash != hash {
		result = domain.UpdatedNewHash
	}
	return id, result, nil
}

// GetFile returns the File row for (source, path), or domain.ErrNotFound.
func (s *Store) GetFile(ctx context.Context, key domain.FileKey) (*domain.File, error) {
	const query = `SELECT id, source, path, modified, size, hash FROM dispatcher.file WHERE source = $1 AND path = $2`
	f := &domain.File{}
	err := s.pool.QueryRow(ctx, query, key.Source, key.Path).Scan(&f.ID, &f.Source, &f.Path, &f.Modified, &f.Size, &f.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewTransientIOError(err, "GetFile", 0)
	}
	return f, nil
}

// ListFilesBySource returns every File row for source.
func (s *Store) ListFilesBySource(ctx context.Context, source string) ([]*domain.File, error) {
	const query = `SELECT id, source, path, modified, size, hash FROM dispatcher.file WHERE source = $1`
	rows, err := s.pool.Query(ctx, query, source)
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
	const query = `SELECT EXISTS(SELECT 1 FROM dispatcher.dispatched WHERE file_id = $1 AND target = $2)`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, fileID, target).Scan(&exists); err != nil {
		return false, domain.NewTransientIOError(err, "HasDispatched", 0)
	}
	return exists, nil
}

// RecordDispatched inserts a Dispatched row.
func (s *Store) RecordDispatched(ctx context.Context, fileID int64, target string) error {
	const query = `INSERT INTO dispatcher.dispatched (file_id, target, timestamp) VALUES ($1, $2, now())`
	if _, err := s.pool.Exec(ctx, query, fileID, target); err != nil {
		return domain.NewTransientIOError(err, "RecordDispatched", 0)
	}
	return nil
}

// RecordSftpDownload inserts a SftpDownload row for a job about to be materialized.
func (s *Store) RecordSftpDownload(ctx context.Context, source, remotePath string, size *int64) (int64, error) {
	const query = `INSERT INTO dispatcher.sftp_download (timestamp, source, remote_path, size) VALUES (now(), $1, $2, $3) RETURNING id`
	var id int64
	if err := s.pool.QueryRow(ctx, query, source, remotePath, size).Scan(&id); err != nil {
		return 0, domain.NewTransientIOError(err, "RecordSftpDownload", 0)
	}
	return id, nil
}

// LinkSftpDownload sets file_id on a previously recorded SftpDownload row.
func (s *Store) LinkSftpDownload(ctx context.Context, downloadID, fileID int64) error {
	const query = `UPDATE dispatcher.sftp_download SET file_id = $1 WHERE id = $2`
	if _, err := s.pool.Exec(ctx, query, fileID, downloadID); err != nil {
		return domain.NewTransientIOError(err, "LinkSftpDownload", 0)
	}
	return nil
}

// RecordDirectorySource inserts a DirectorySourceRecord row.
func (s *Store) RecordDirectorySource(ctx context.Context, source, path string, modified time.Time, size int64) (int64, error) {
	const query = `INSERT INTO dispatcher.directory_source (timestamp, source, path, modified, size) VALUES (now(), $1, $2, $3, $4) RETURNING id`
	var id int64
	if err := s.pool.QueryRow(ctx, query, source, path, modified, size).Scan(&id); err != nil {
		return 0, domain.NewTransientIOError(err, "RecordDirectorySource", 0)
	}
	return id, nil
}

// LinkDirectorySource sets file_id on a previously recorded DirectorySourceRecord row.
func (s *Store) LinkDirectorySource(ctx context.Context, recordID, fileID int64) error {
	const query = `UPDATE dispatcher.directory_source SET file_id = $1 WHERE id = $2`
	if _, err := s.pool.Exec(ctx, query, fileID, recordID); err != nil {
		return domain.NewTransientIOError(err, "LinkDirectorySource", 0)
	}
	return nil
}

// Close releases pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return domain.NewTransientIOError(err, "postgresql ping", 0)
	}
	return nil
}
