package respcache

import (
	"context"

	"github.com/sirupsen/logrus"
)

// FetchFunc retrieves a document from its origin after a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Loader is a read-through front for a Cache. ReadEnabled and WriteEnabled
// switch the two halves independently, so a caller can bypass stale entries
// or avoid populating the cache.
type Loader struct {
	Cache        *Cache
	ReadEnabled  bool
	WriteEnabled bool
}

// NewLoader returns a Loader with reads and writes enabled.
func NewLoader(cache *Cache) *Loader {
	return &Loader{
		Cache:        cache,
		ReadEnabled:  true,
		WriteEnabled: true,
	}
}

// Fetch returns the cached document for category/id, or calls origin and
// caches its result. Errors from origin are returned unchanged; a failure to
// cache the fetched document is only logged.
func (l *Loader) Fetch(ctx context.Context, category, id string, origin FetchFunc) ([]byte, error) {
	if l.ReadEnabled {
		if payload, ok := l.Cache.Read(ctx, category, id); ok {
			return payload, nil
		}
	}

	payload, err := origin(ctx)
	if err != nil {
		return nil, err
	}

	if l.WriteEnabled && len(payload) > 0 {
		if err := l.Cache.Write(ctx, category, id, payload); err != nil {
			l.Cache.logger.WithFields(logrus.Fields{
				"action":   "fetch",
				"category": category,
				"id":       id,
				"error":    err,
			}).Warn("failed to cache fetched document")
		}
	}
	return payload, nil
}
