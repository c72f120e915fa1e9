package filesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversation_files (
	conversation_id TEXT        NOT NULL,
	path            TEXT        NOT NULL,
	size            BIGINT      NOT NULL,
	checksum        TEXT        NOT NULL,
	source          TEXT        NOT NULL,
	version         BIGINT      NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, path)
)`

// FileIndex records every synced file per conversation in Postgres, so
// AI-produced artifacts are attributable and versioned beyond the lifetime of
// any sandbox.
type FileIndex struct {
	pool *pgxpool.Pool
}

// NewFileIndex connects to Postgres and ensures the schema exists.
func NewFileIndex(ctx context.Context, dsn string) (*FileIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect file index: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping file index: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure file index schema: %w", err)
	}
	return &FileIndex{pool: pool}, nil
}

// Upsert records one file, keeping the highest version per path.
func (i *FileIndex) Upsert(ctx context.Context, conversationID string, fd v1.FileDescriptor) error {
	_, err := i.pool.Exec(ctx, `
		INSERT INTO conversation_files (conversation_id, path, size, checksum, source, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (conversation_id, path) DO UPDATE SET
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			source = EXCLUDED.source,
			version = GREATEST(conversation_files.version, EXCLUDED.version),
			updated_at = now()`,
		conversationID, fd.Path, fd.Size, fd.Checksum, string(fd.Source), fd.Version)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", fd.Path, err)
	}
	return nil
}

// List returns the indexed files for a conversation.
func (i *FileIndex) List(ctx context.Context, conversationID string) ([]v1.FileDescriptor, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT path, size, checksum, source, version
		FROM conversation_files
		WHERE conversation_id = $1
		ORDER BY path`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var files []v1.FileDescriptor
	for rows.Next() {
		var fd v1.FileDescriptor
		var source string
		if err := rows.Scan(&fd.Path, &fd.Size, &fd.Checksum, &source, &fd.Version); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		fd.Source = v1.FileSource(source)
		files = append(files, fd)
	}
	return files, rows.Err()
}

// Close releases the connection pool.
func (i *FileIndex) Close() {
	i.pool.Close()
}
