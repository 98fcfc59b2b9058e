// Package archive provides durable retention for audit trails on
// S3-compatible object storage, with an in-memory implementation for local
// development and tests.
package archive

import "context"

// RecordArchive stores audit payloads under hierarchical keys
// (audit/<correlation-id>/<seq>-<stage>.json). Writes are append-style:
// each record gets its own object and existing objects are never rewritten.
type RecordArchive interface {
	// Put stores one payload under key.
	Put(ctx context.Context, key string, payload []byte) error

	// List returns the keys under prefix, lexically ordered.
	List(ctx context.Context, prefix string) ([]string, error)

	// Get retrieves one payload by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Ping checks if the archive backend is available.
	Ping(ctx context.Context) error
}

// ErrNotFound is returned when a key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "archive object not found: " + e.Key
}
