// Package storage abstracts the object store that holds conversation files.
// The object store is the source of truth: a lost sandbox is recoverable by
// re-syncing from it.
package storage

import (
	"context"
	"io"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// ObjectStore is blob CRUD keyed by {tenant}/{conversation}/{path} prefixes.
type ObjectStore interface {
	// Put uploads an object, overwriting any existing one.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get downloads an object. Returns a NOT_FOUND application error for
	// missing keys.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List enumerates objects under a key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
