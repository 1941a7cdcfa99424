package respcache

import (
	"path/filepath"
	"time"

	"github.com/jmgilman/go/fs/core"
	"github.com/sirupsen/logrus"

	"github.com/richardartoul/respcache/backends"
	"github.com/richardartoul/respcache/pkg/locking"
	"github.com/richardartoul/respcache/pkg/metrics"
)

// Clock returns the current instant. Expiry decisions use it.
type Clock func() time.Time

// Option configures a Cache.
type Option func(*Cache)

// WithFS sets the filesystem the cache lives on. Defaults to the local disk.
func WithFS(fsys core.FS) Option {
	return func(c *Cache) {
		c.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock replaces time.Now for expiry computations.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithLockGroup sets the lock serializing catalog updates. Use a
// locking.FlockGroup when several processes share the cache directory.
func WithLockGroup(group locking.Group) Option {
	return func(c *Cache) {
		c.locks = group
	}
}

// WithSubfolder stores the entries of category under folder, relative to the
// cache root, instead of a folder named after the category.
func WithSubfolder(category, folder string) Option {
	return func(c *Cache) {
		c.subfolders[category] = filepath.Clean(folder)
	}
}

// WithRemote adds a shared tier consulted on local misses.
func WithRemote(remote backends.Backend) Option {
	return func(c *Cache) {
		c.remote = remote
	}
}

// WithCollector sets the Prometheus counters the cache reports to.
func WithCollector(collector *metrics.Collector) Option {
	return func(c *Cache) {
		c.collector = collector
	}
}

// WithLatencyTracker sets the tracker recording operation latencies.
func WithLatencyTracker(tracker *metrics.LatencyTracker) Option {
	return func(c *Cache) {
		c.latency = tracker
	}
}
