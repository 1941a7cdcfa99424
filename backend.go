package respcache

import "context"

// CacheBackend is the cache as seen by its collaborators. Server speaks to
// one, so a different store can be swapped in behind the same protocol.
type CacheBackend interface {
	// Read returns the payload stored for category/id, or false on a miss.
	Read(ctx context.Context, category, id string) ([]byte, bool)

	// Write stores payload under category/id at the default location.
	Write(ctx context.Context, category, id string, payload []byte) error

	// WriteAt stores payload under category/id at an explicit path.
	WriteAt(ctx context.Context, category, id, path string, payload []byte) error

	// FileExistsForKey reports whether an unexpired entry is on disk.
	FileExistsForKey(ctx context.Context, category, id string) bool

	// Remove deletes the entry for category/id.
	Remove(ctx context.Context, category, id string) error

	// Clean reconciles the cache and enforces the size budget.
	Clean(ctx context.Context) (CleanReport, error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

var _ CacheBackend = (*Cache)(nil)
