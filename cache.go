// Package respcache is a disk-backed cache for immutable, serialized API
// response documents. Payloads are opaque bytes addressed by a (category, id)
// key. Each entry expires a fixed time after it was written, and the cache can
// be held under a size budget by evicting the entries closest to expiry.
//
// Two INI catalogs at the cache root track the entries: paths.cnf maps keys to
// payload files and expiration.cnf maps keys to expiry instants. Drift between
// the catalogs and the files on disk is repaired by Clean.
package respcache

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/sirupsen/logrus"

	"github.com/richardartoul/respcache/backends"
	"github.com/richardartoul/respcache/pkg/catalog"
	"github.com/richardartoul/respcache/pkg/codec"
	"github.com/richardartoul/respcache/pkg/locking"
	"github.com/richardartoul/respcache/pkg/metrics"
	"github.com/richardartoul/respcache/pkg/settings"
)

// Latency operation names.
const (
	opRead      = "read"
	opWrite     = "write"
	opRemove    = "remove"
	opClean     = "clean"
	opRemoteGet = "remote_get"
	opRemotePut = "remote_put"
)

// Cache is a handle on one cache directory. It owns the directory tree and
// both catalogs; all catalog mutations run under a single cache-wide lock.
type Cache struct {
	settings settings.Settings
	root     string

	fs         core.FS
	logger     logrus.FieldLogger
	clock      Clock
	locks      locking.Group
	subfolders map[string]string
	remote     backends.Backend
	collector  *metrics.Collector
	latency    *metrics.LatencyTracker

	codec       *codec.Codec
	paths       *catalog.Catalog
	expirations *catalog.Catalog
}

// New opens the cache described by s, creating the directory and empty
// catalogs if needed.
func New(s settings.Settings, opts ...Option) (*Cache, error) {
	c := &Cache{
		settings:   s,
		fs:         billy.NewLocal(),
		logger:     logrus.StandardLogger(),
		clock:      time.Now,
		locks:      locking.NewMemLock(),
		subfolders: make(map[string]string),
		collector:  metrics.NewCollector("respcache"),
		latency:    metrics.NewLatencyTracker(0.01),
	}
	for _, opt := range opts {
		opt(c)
	}

	if s.Directory == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "cache directory is required")
	}
	if s.ExpirationLength <= 0 {
		return nil, errors.Newf(errors.CodeInvalidConfig, "expiration length must be positive, got %s", s.ExpirationLength)
	}
	if s.MaxSizeBytes < 0 {
		return nil, errors.Newf(errors.CodeInvalidConfig, "max size must not be negative, got %d", s.MaxSizeBytes)
	}

	root, err := filepath.Abs(s.Directory)
	if err != nil {
		return nil, internal(err, "failed to resolve cache directory %s", s.Directory)
	}
	c.root = root
	c.settings.Directory = root

	if err := c.fs.MkdirAll(root, 0o755); err != nil {
		return nil, internal(err, "failed to create cache directory %s", root)
	}

	c.codec = codec.New(c.fs, c.logger)
	if c.paths, err = catalog.Open(c.fs, filepath.Join(root, catalog.PathsFile)); err != nil {
		return nil, internal(err, "failed to open path catalog")
	}
	if c.expirations, err = catalog.Open(c.fs, filepath.Join(root, catalog.ExpirationFile)); err != nil {
		return nil, internal(err, "failed to open expiration catalog")
	}

	return c, nil
}

// Settings returns the settings the cache was opened with.
func (c *Cache) Settings() settings.Settings {
	return c.settings
}

// Root returns the absolute cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Collector returns the counters the cache reports to.
func (c *Cache) Collector() *metrics.Collector {
	return c.collector
}

type lookup struct {
	payload []byte
	result  string
}

// Read returns the payload stored for category/id. Any failure, including an
// invalid key, a corrupt file or an expired entry, is reported as a miss.
func (c *Cache) Read(ctx context.Context, category, id string) ([]byte, bool) {
	defer c.latency.Time(opRead)()

	if ctx.Err() != nil {
		return nil, false
	}
	if err := catalog.ValidateKey(category, id); err != nil {
		c.logger.WithFields(logrus.Fields{
			"action":   "read",
			"category": category,
			"id":       id,
			"error":    err,
		}).Debug("rejecting invalid key")
		c.collector.Lookup(metrics.ResultMiss)
		return nil, false
	}

	v, _ := c.locks.DoWithLock(locking.LockKey, func() (interface{}, error) {
		return c.readLocked(category, id), nil
	})
	res, ok := v.(lookup)
	if !ok {
		res = lookup{result: metrics.ResultMiss}
	}

	if c.remote != nil {
		switch res.result {
		case metrics.ResultMiss:
			if payload, ok := c.readRemote(ctx, category, id); ok {
				res = lookup{payload: payload, result: metrics.ResultRemoteHit}
			}
		case metrics.ResultExpired:
			// The remote copy is as old as the local one.
			c.deleteRemote(ctx, category, id)
		}
	}

	c.collector.Lookup(res.result)
	if res.payload == nil {
		return nil, false
	}
	return res.payload, true
}

func (c *Cache) readLocked(category, id string) lookup {
	log := c.logger.WithFields(logrus.Fields{
		"action":   "read",
		"category": category,
		"id":       id,
	})

	path, ok, err := c.paths.Get(category, id)
	if err != nil {
		log.WithField("error", err).Warn("failed to read path catalog")
		return lookup{result: metrics.ResultMiss}
	}
	if !ok {
		return lookup{result: metrics.ResultMiss}
	}

	expiresAt, known, err := c.expiry(category, id)
	if err != nil {
		log.WithField("error", err).Warn("failed to read expiration catalog")
		return lookup{result: metrics.ResultMiss}
	}
	if !known {
		log.WithField("path", path).Debug("entry has no usable expiry")
		return lookup{result: metrics.ResultMiss}
	}
	if c.clock().After(expiresAt) {
		c.dropLocked(category, id, path)
		c.collector.Evicted(metrics.ReasonExpired, 1)
		log.WithField("path", path).Debug("entry expired")
		return lookup{result: metrics.ResultExpired}
	}

	payload, ok := c.codec.Read(path, c.settings.CompressionEnabled)
	if !ok {
		return lookup{result: metrics.ResultMiss}
	}
	return lookup{payload: payload, result: metrics.ResultHit}
}

// expiry returns the expiry instant of category/id. known is false when the
// entry has no expiry or an unparsable one; such entries are served as misses
// and left for Clean to delete.
func (c *Cache) expiry(category, id string) (expiresAt time.Time, known bool, err error) {
	value, ok, err := c.expirations.Get(category, id)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	expiresAt, err = catalog.ParseExpiry(value)
	if err != nil {
		return time.Time{}, false, nil
	}
	return expiresAt, true, nil
}

func (c *Cache) readRemote(ctx context.Context, category, id string) ([]byte, bool) {
	stop := c.latency.Time(opRemoteGet)
	payload, miss, err := c.remote.Get(ctx, category, id)
	stop()

	log := c.logger.WithFields(logrus.Fields{
		"action":   "remote_get",
		"category": category,
		"id":       id,
	})
	if err != nil {
		log.WithField("error", err).Warn("remote lookup failed")
		return nil, false
	}
	if miss || len(payload) == 0 {
		return nil, false
	}

	if err := c.write(ctx, category, id, "", payload, false); err != nil {
		log.WithField("error", err).Warn("failed to store remote hit locally")
	}
	return payload, true
}

// Write stores payload under category/id at <root>/<subfolder>/<id>,
// replacing any previous entry, and resets its expiry.
func (c *Cache) Write(ctx context.Context, category, id string, payload []byte) error {
	return c.write(ctx, category, id, "", payload, true)
}

// WriteAt is Write with an explicit payload location. A relative path is
// taken relative to the cache root; an absolute path must lie inside it.
func (c *Cache) WriteAt(ctx context.Context, category, id, path string, payload []byte) error {
	if path == "" {
		return errors.New(errors.CodeInvalidInput, "path must not be empty")
	}
	return c.write(ctx, category, id, path, payload, true)
}

func (c *Cache) write(ctx context.Context, category, id, override string, payload []byte, push bool) error {
	defer c.latency.Time(opWrite)()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := catalog.ValidateKey(category, id); err != nil {
		return invalidKey(err, category, id)
	}
	if len(payload) == 0 {
		return errors.New(errors.CodeInvalidInput, "payload must not be empty")
	}
	target, err := c.entryPath(category, id, override)
	if err != nil {
		return err
	}

	_, err = c.locks.DoWithLock(locking.LockKey, func() (interface{}, error) {
		return nil, c.writeLocked(category, id, target, payload)
	})
	if err != nil {
		return err
	}

	if push && c.remote != nil {
		stop := c.latency.Time(opRemotePut)
		defer stop()
		if err := c.remote.Put(ctx, category, id, payload); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action":   "remote_put",
				"category": category,
				"id":       id,
				"error":    err,
			}).Warn("failed to push entry to remote")
		}
	}
	return nil
}

func (c *Cache) writeLocked(category, id, target string, payload []byte) error {
	previous, hadPrevious, err := c.paths.Get(category, id)
	if err != nil {
		return internal(err, "failed to read path catalog")
	}

	size, err := c.codec.Write(target, payload, c.settings.CompressionEnabled)
	if err != nil {
		return internal(err, "failed to write entry %s/%s", category, id)
	}

	if hadPrevious && filepath.Clean(previous) != target {
		if err := c.removeFile(previous); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "write",
				"path":   previous,
				"error":  err,
			}).Warn("failed to remove previous entry file")
		}
	}

	if err := c.paths.Set(category, id, target); err != nil {
		return internal(err, "failed to update path catalog")
	}
	expiresAt := catalog.FormatExpiry(c.clock().Add(c.settings.ExpirationLength))
	if err := c.expirations.Set(category, id, expiresAt); err != nil {
		return internal(err, "failed to update expiration catalog")
	}
	c.collector.Wrote(len(payload))

	c.logger.WithFields(logrus.Fields{
		"action":     "write",
		"category":   category,
		"id":         id,
		"path":       target,
		"size":       size,
		"expires_at": expiresAt,
	}).Debug("entry stored")

	if !c.settings.Bounded() {
		return nil
	}
	usage, err := c.usageLocked()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"action": "write",
			"error":  err,
		}).Warn("failed to measure cache size")
		return nil
	}
	if usage > c.settings.MaxSizeBytes {
		if _, err := c.cleanLocked(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "clean",
				"error":  err,
			}).Warn("reconciliation after write failed")
		}
	}
	return nil
}

// Remove deletes the entry for category/id from disk, from both catalogs and
// from the remote tier. Removing an absent entry is not an error.
func (c *Cache) Remove(ctx context.Context, category, id string) error {
	defer c.latency.Time(opRemove)()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := catalog.ValidateKey(category, id); err != nil {
		return invalidKey(err, category, id)
	}

	_, err := c.locks.DoWithLock(locking.LockKey, func() (interface{}, error) {
		path, ok, err := c.paths.Get(category, id)
		if err != nil {
			return nil, internal(err, "failed to read path catalog")
		}
		if ok {
			if err := c.removeFile(path); err != nil {
				return nil, internal(err, "failed to remove entry file %s", path)
			}
			c.collector.Evicted(metrics.ReasonRemoved, 1)
		}
		if err := c.paths.Remove(category, id); err != nil {
			return nil, internal(err, "failed to update path catalog")
		}
		if err := c.expirations.Remove(category, id); err != nil {
			return nil, internal(err, "failed to update expiration catalog")
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if c.remote != nil {
		c.deleteRemote(ctx, category, id)
	}
	return nil
}

// deleteRemote drops category/id from the remote tier. Failures are logged.
func (c *Cache) deleteRemote(ctx context.Context, category, id string) {
	if err := c.remote.Delete(ctx, category, id); err != nil {
		c.logger.WithFields(logrus.Fields{
			"action":   "remote_delete",
			"category": category,
			"id":       id,
			"error":    err,
		}).Warn("failed to remove entry from remote")
	}
}

// FileExistsForKey reports whether category/id has an unexpired catalog
// entry whose payload file is present. It never modifies the cache.
func (c *Cache) FileExistsForKey(ctx context.Context, category, id string) bool {
	if ctx.Err() != nil || catalog.ValidateKey(category, id) != nil {
		return false
	}

	v, _ := c.locks.DoWithLock(locking.LockKey, func() (interface{}, error) {
		path, ok, err := c.paths.Get(category, id)
		if err != nil || !ok {
			return false, nil
		}
		expiresAt, known, err := c.expiry(category, id)
		if err != nil || !known || c.clock().After(expiresAt) {
			return false, nil
		}
		exists, err := c.fs.Exists(path)
		return err == nil && exists, nil
	})
	exists, _ := v.(bool)
	return exists
}

// Close releases the remote tier, if any.
func (c *Cache) Close() error {
	if c.remote == nil {
		return nil
	}
	if err := c.remote.Close(); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to close remote backend")
	}
	return nil
}

// entryPath returns the absolute payload location for category/id.
func (c *Cache) entryPath(category, id, override string) (string, error) {
	var target string
	switch {
	case override == "":
		target = filepath.Join(c.root, c.subfolder(category), id)
	case filepath.IsAbs(override):
		target = filepath.Clean(override)
	default:
		target = filepath.Join(c.root, override)
	}

	rel, err := filepath.Rel(c.root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.WithContextMap(
			errors.New(errors.CodeInvalidInput, "entry path must be inside the cache directory"),
			map[string]interface{}{"path": target, "root": c.root},
		)
	}
	if c.isReserved(target) {
		return "", errors.Newf(errors.CodeInvalidInput, "entry path %s is reserved", target)
	}
	return target, nil
}

func (c *Cache) subfolder(category string) string {
	if folder, ok := c.subfolders[category]; ok {
		return folder
	}
	return category
}

// isReserved reports whether path belongs to the cache's own bookkeeping.
func (c *Cache) isReserved(path string) bool {
	switch path {
	case c.paths.Path(), c.expirations.Path(), locking.LockPath(c.root, locking.LockKey):
		return true
	}
	return false
}

// dropLocked removes an entry's file and both of its catalog entries. Failures
// are logged; Clean repairs whatever is left behind.
func (c *Cache) dropLocked(category, id, path string) {
	log := c.logger.WithFields(logrus.Fields{
		"category": category,
		"id":       id,
		"path":     path,
	})
	if err := c.removeFile(path); err != nil {
		log.WithField("error", err).Warn("failed to remove entry file")
	}
	if err := c.paths.Remove(category, id); err != nil {
		log.WithField("error", err).Warn("failed to update path catalog")
	}
	if err := c.expirations.Remove(category, id); err != nil {
		log.WithField("error", err).Warn("failed to update expiration catalog")
	}
}

func (c *Cache) removeFile(path string) error {
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// usageLocked sums the size of every file under the root except the
// catalogs and the lock file.
func (c *Cache) usageLocked() (int64, error) {
	var total int64
	err := c.fs.Walk(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || c.isReserved(filepath.Clean(path)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
