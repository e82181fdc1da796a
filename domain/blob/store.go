// Package blob is the raw landing zone. Chunk executors write fetched
// records here as parquet objects before any canonical processing, so
// a transform bug never costs source data.
package blob

import (
	"context"
	"io"
)

// Store is the object storage behind the landing zone. S3 is the
// production implementation (AWS or MinIO); Memory backs tests.
type Store interface {
	// Put writes one object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Get reads a whole object, NotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under a prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Content types for the two object families the pipeline writes.
const (
	ContentTypeParquet = "application/octet-stream"
	ContentTypeJSONL   = "application/x-ndjson"
)
