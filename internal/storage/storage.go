// Package storage defines the archive store used by the usage ledger retention job.
//
// Backends register themselves with the factory from an init() function in their own
// package; the server blank-imports each backend it ships:
//
//	import _ "github.com/laasy/corptravel/internal/storage/s3"
//
// Objects are write-once NDJSON batches, so the interface only covers put, get,
// delete and an existence probe used by /ready.
package storage

import (
	"context"
	"io"
)

// Storage is an object store holding archived ledger batches
type Storage interface {
	// Upload stores the object at path and returns its size and SHA-256 checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download opens the object at path
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the object; deleting a missing object is not an error
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object is stored at path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult describes a stored object
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string // hex SHA-256 of the object body
}
