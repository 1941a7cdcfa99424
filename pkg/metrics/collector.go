package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Lookup results.
const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultExpired   = "expired"
	ResultRemoteHit = "remote_hit"
)

// Reasons an entry leaves the cache.
const (
	ReasonExpired = "expired"
	ReasonSize    = "size"
	ReasonMissing = "missing"
	ReasonOrphan  = "orphan"
	ReasonRemoved = "removed"
)

// Collector holds the Prometheus counters for cache activity. It also keeps
// plain atomic totals so Stats can be answered without scraping.
type Collector struct {
	lookups      *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	writes       prometheus.Counter
	writtenBytes prometheus.Counter

	hits   atomic.Int64
	misses atomic.Int64
}

// Snapshot is a point-in-time copy of the hit and miss totals.
type Snapshot struct {
	Hits   int64
	Misses int64
}

// NewCollector creates the counters under the given namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Cache reads by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries removed from the cache by reason.",
		}, []string{"reason"}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Entries written to the cache.",
		}),
		writtenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Payload bytes written to the cache before compression.",
		}),
	}
}

// Register registers every counter with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{c.lookups, c.evictions, c.writes, c.writtenBytes} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Lookup counts one read with the given result.
func (c *Collector) Lookup(result string) {
	c.lookups.WithLabelValues(result).Inc()
	switch result {
	case ResultHit, ResultRemoteHit:
		c.hits.Add(1)
	default:
		c.misses.Add(1)
	}
}

// Evicted counts n entries removed for reason.
func (c *Collector) Evicted(reason string, n int) {
	if n <= 0 {
		return
	}
	c.evictions.WithLabelValues(reason).Add(float64(n))
}

// Wrote counts one write of size payload bytes.
func (c *Collector) Wrote(size int) {
	c.writes.Inc()
	c.writtenBytes.Add(float64(size))
}

// Snapshot returns the current hit and miss totals.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
