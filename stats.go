package respcache

import (
	"context"
	"fmt"
	"strings"

	"github.com/richardartoul/respcache/pkg/locking"
	"github.com/richardartoul/respcache/pkg/metrics"
)

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
	Latency []metrics.Stats
}

// Stats counts cataloged entries and on-disk bytes and reports the hit and
// latency figures gathered since the cache was opened.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	v, err := c.locks.DoWithLock(locking.LockKey, func() (interface{}, error) {
		table, err := c.paths.Load()
		if err != nil {
			return nil, internal(err, "failed to load path catalog")
		}
		usage, err := c.usageLocked()
		if err != nil {
			return nil, internal(err, "failed to measure cache size")
		}
		return Stats{Entries: table.Len(), Bytes: usage}, nil
	})
	if err != nil {
		return Stats{}, err
	}

	stats, _ := v.(Stats)
	snapshot := c.collector.Snapshot()
	stats.Hits = snapshot.Hits
	stats.Misses = snapshot.Misses
	stats.Latency = c.latency.Snapshot()
	return stats, nil
}

// HitRate returns hits over lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "entries=%d bytes=%d hits=%d misses=%d hit_rate=%.2f\n",
		s.Entries, s.Bytes, s.Hits, s.Misses, s.HitRate())
	for _, op := range s.Latency {
		b.WriteString(op.String())
		b.WriteByte('\n')
	}
	return b.String()
}
