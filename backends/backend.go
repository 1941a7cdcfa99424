// Package backends holds the optional remote tier of the cache. A Backend is
// consulted after a local miss and receives every local write, so several
// machines can share one population of cached documents.
package backends

import "context"

// Backend stores payloads by (category, id) in some shared location.
type Backend interface {
	// Put stores payload under category/id, replacing any previous value.
	Put(ctx context.Context, category, id string, payload []byte) error

	// Get returns the payload stored under category/id. miss is true when
	// nothing is stored; err is reserved for failures of the backend itself.
	Get(ctx context.Context, category, id string) (payload []byte, miss bool, err error)

	// Delete removes category/id. Deleting an absent key is not an error.
	Delete(ctx context.Context, category, id string) error

	// Close releases any resources held by the backend.
	Close() error
}
