// Package origin provides the durable, authoritative store of configuration
// blobs. Blobs are immutable: a put always creates the next version, and
// versions for a collection are totally ordered.
package origin

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when a collection or version does not exist.
	ErrNotFound = errors.New("origin: not found")
	// ErrUnavailable wraps transient I/O failures. Callers may retry with backoff.
	ErrUnavailable = errors.New("origin: unavailable")
	// ErrVersionConflict is returned when a concurrent writer claimed the
	// version first. The caller should re-list and retry at the next version.
	ErrVersionConflict = errors.New("origin: version conflict")
)

// Backend is the durable origin store. Implementations guarantee
// read-after-write on the same client: once Put returns, Latest returns a
// version >= the one just written.
type Backend interface {
	// Put stores a new blob for the collection and returns the version it
	// was assigned. Version assignment is monotonic; concurrent writers are
	// serialized by conditional writes.
	Put(ctx context.Context, collection string, payload []byte) (int64, error)

	// PutVersion stores a blob at an explicit version. It fails with
	// ErrVersionConflict when that version already exists, which is how
	// concurrent writers are detected. Writers that need the version
	// embedded in the payload use this instead of Put.
	PutVersion(ctx context.Context, collection string, version int64, payload []byte) error

	// Get returns the blob stored for the given collection version.
	Get(ctx context.Context, collection string, version int64) ([]byte, error)

	// Latest returns the highest version stored for the collection, or
	// ErrNotFound when the collection has no versions.
	Latest(ctx context.Context, collection string) (int64, error)

	// ListVersions returns all versions of the collection in ascending order.
	ListVersions(ctx context.Context, collection string) ([]int64, error)
}
