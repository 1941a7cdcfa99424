package respcache

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/richardartoul/respcache/pkg/catalog"
	"github.com/richardartoul/respcache/pkg/locking"
	"github.com/richardartoul/respcache/pkg/metrics"
)

// CleanReport describes what a reconciliation changed.
type CleanReport struct {
	// Expired counts entries deleted because they were past their expiry.
	Expired int
	// Missing counts catalog entries dropped because their file was gone.
	Missing int
	// Evicted counts entries deleted to meet the size budget.
	Evicted int
	// Orphans counts files deleted because no catalog entry referenced them.
	Orphans int
	// Pruned counts expiration entries without a path entry.
	Pruned int

	LiveEntries int
	LiveBytes   int64
	FreedBytes  int64

	// BudgetMet is false when the cache is still over its size budget.
	BudgetMet bool
}

type candidate struct {
	category  string
	id        string
	path      string
	expiresAt time.Time
	size      int64
}

// Clean reconciles the catalogs with the files on disk and enforces the size
// budget. It holds the cache lock for its whole run and is idempotent: a
// second run right after the first changes nothing.
func (c *Cache) Clean(ctx context.Context) (CleanReport, error) {
	defer c.latency.Time(opClean)()

	if err := ctx.Err(); err != nil {
		return CleanReport{}, err
	}

	v, err := c.locks.DoWithLock(locking.LockKey, func() (interface{}, error) {
		return c.cleanLocked()
	})
	report, _ := v.(CleanReport)
	return report, err
}

func (c *Cache) cleanLocked() (CleanReport, error) {
	report := CleanReport{BudgetMet: true}

	paths, err := c.paths.Load()
	if err != nil {
		return report, internal(err, "failed to load path catalog")
	}
	expirations, err := c.expirations.Load()
	if err != nil {
		return report, internal(err, "failed to load expiration catalog")
	}

	live, err := c.sweepCatalog(paths, expirations, &report)
	if err != nil {
		return report, err
	}
	live = c.enforceBudget(live, paths, expirations, &report)

	if err := c.paths.Save(paths); err != nil {
		return report, internal(err, "failed to save path catalog")
	}

	if err := c.sweepOrphans(live, &report); err != nil {
		return report, err
	}

	for _, category := range expirations.Categories() {
		for _, e := range expirations.Entries(category) {
			if _, ok := paths.Get(category, e.ID); !ok {
				expirations.Remove(category, e.ID)
				report.Pruned++
			}
		}
	}
	if err := c.expirations.Save(expirations); err != nil {
		return report, internal(err, "failed to save expiration catalog")
	}

	for _, cand := range live {
		report.LiveBytes += cand.size
	}
	report.LiveEntries = len(live)
	if c.settings.Bounded() && report.LiveBytes > c.settings.MaxSizeBytes {
		report.BudgetMet = false
	}

	c.collector.Evicted(metrics.ReasonExpired, report.Expired)
	c.collector.Evicted(metrics.ReasonMissing, report.Missing)
	c.collector.Evicted(metrics.ReasonSize, report.Evicted)
	c.collector.Evicted(metrics.ReasonOrphan, report.Orphans)

	log := c.logger.WithFields(logrus.Fields{
		"action":       "clean",
		"expired":      report.Expired,
		"missing":      report.Missing,
		"evicted":      report.Evicted,
		"orphans":      report.Orphans,
		"pruned":       report.Pruned,
		"live_entries": report.LiveEntries,
		"live_bytes":   report.LiveBytes,
		"freed_bytes":  report.FreedBytes,
	})
	if !report.BudgetMet {
		log.WithField("max_size", c.settings.MaxSizeBytes).Warn("cache is still over its size budget")
	} else {
		log.Debug("cache reconciled")
	}
	return report, nil
}

// sweepCatalog drops entries whose file is missing, deletes expired entries,
// and returns the rest.
func (c *Cache) sweepCatalog(paths, expirations *catalog.Table, report *CleanReport) ([]candidate, error) {
	now := c.clock()
	var live []candidate

	for _, category := range paths.Categories() {
		for _, e := range paths.Entries(category) {
			path := filepath.Clean(e.Value)

			info, err := c.fs.Stat(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					return nil, internal(err, "failed to stat entry file %s", path)
				}
				paths.Remove(category, e.ID)
				expirations.Remove(category, e.ID)
				report.Missing++
				continue
			}
			if info.IsDir() {
				paths.Remove(category, e.ID)
				expirations.Remove(category, e.ID)
				report.Missing++
				continue
			}

			expiresAt, ok := entryExpiry(expirations, category, e.ID)
			if !ok || now.After(expiresAt) {
				if c.deleteFile(path) {
					report.FreedBytes += info.Size()
				}
				paths.Remove(category, e.ID)
				expirations.Remove(category, e.ID)
				report.Expired++
				continue
			}

			live = append(live, candidate{
				category:  category,
				id:        e.ID,
				path:      path,
				expiresAt: expiresAt,
				size:      info.Size(),
			})
		}
	}
	return live, nil
}

// enforceBudget evicts the entries closest to expiry until the live set fits
// the size budget. Ties are broken by category, then id.
func (c *Cache) enforceBudget(live []candidate, paths, expirations *catalog.Table, report *CleanReport) []candidate {
	if !c.settings.Bounded() {
		return live
	}

	var total int64
	for _, cand := range live {
		total += cand.size
	}
	excess := total - c.settings.MaxSizeBytes
	if excess <= 0 {
		return live
	}

	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if !a.expiresAt.Equal(b.expiresAt) {
			return a.expiresAt.Before(b.expiresAt)
		}
		if a.category != b.category {
			return a.category < b.category
		}
		return a.id < b.id
	})

	var freed int64
	kept := live[:0]
	for _, cand := range live {
		if freed >= excess {
			kept = append(kept, cand)
			continue
		}
		if !c.deleteFile(cand.path) {
			kept = append(kept, cand)
			continue
		}
		paths.Remove(cand.category, cand.id)
		expirations.Remove(cand.category, cand.id)
		freed += cand.size
		report.Evicted++
	}
	report.FreedBytes += freed
	return kept
}

// sweepOrphans deletes every file under the root that no live entry
// references, then removes directories left empty. The root itself, the
// catalogs and the lock file are never touched.
func (c *Cache) sweepOrphans(live []candidate, report *CleanReport) error {
	keep := make(map[string]struct{}, len(live))
	for _, cand := range live {
		keep[cand.path] = struct{}{}
	}

	var dirs []string
	err := c.fs.Walk(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		path = filepath.Clean(filepath.FromSlash(path))
		if d.IsDir() {
			if path != c.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if _, ok := keep[path]; ok || c.isReserved(path) {
			return nil
		}

		var size int64
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		if c.deleteFile(path) {
			report.Orphans++
			report.FreedBytes += size
		}
		return nil
	})
	if err != nil {
		return internal(err, "failed to walk cache directory")
	}

	// Deepest first so parents empty out before they are checked.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		entries, err := c.fs.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := c.fs.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.WithFields(logrus.Fields{
				"action": "clean",
				"path":   dir,
				"error":  err,
			}).Warn("failed to remove empty directory")
		}
	}
	return nil
}

// deleteFile removes path and reports whether it is gone.
func (c *Cache) deleteFile(path string) bool {
	if err := c.removeFile(path); err != nil {
		c.logger.WithFields(logrus.Fields{
			"action": "clean",
			"path":   path,
			"error":  err,
		}).Warn("failed to remove file")
		return false
	}
	return true
}

func entryExpiry(expirations *catalog.Table, category, id string) (time.Time, bool) {
	value, ok := expirations.Get(category, id)
	if !ok {
		return time.Time{}, false
	}
	expiresAt, err := catalog.ParseExpiry(value)
	if err != nil {
		return time.Time{}, false
	}
	return expiresAt, true
}
