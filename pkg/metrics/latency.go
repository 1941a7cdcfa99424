package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative quantile error used when NewLatencyTracker
// is given an accuracy outside (0, 1).
const DefaultAccuracy = 0.01

// LatencyTracker keeps one DDSketch per cache operation. Samples are kept in
// milliseconds.
type LatencyTracker struct {
	accuracy float64

	mu       sync.Mutex
	sketches map[string]*ddsketch.DDSketch
}

// NewLatencyTracker creates a tracker whose quantiles are within accuracy of
// the true value, relative to that value.
func NewLatencyTracker(accuracy float64) *LatencyTracker {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = DefaultAccuracy
	}
	return &LatencyTracker{
		accuracy: accuracy,
		sketches: make(map[string]*ddsketch.DDSketch),
	}
}

// Time starts a measurement of operation. Calling the returned function
// records the time elapsed since Time was called:
//
//	defer tracker.Time("read")()
func (lt *LatencyTracker) Time(operation string) func() {
	start := time.Now()
	return func() {
		lt.Record(operation, time.Since(start))
	}
}

// Record adds one sample for operation. Negative durations count as zero.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	ms := float64(d) / float64(time.Millisecond)

	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		if sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.accuracy); err != nil {
			return
		}
		lt.sketches[operation] = sketch
	}
	_ = sketch.Add(ms)
}

// Stats is the latency distribution of one operation, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// Snapshot summarizes every operation recorded so far, ordered by name.
func (lt *LatencyTracker) Snapshot() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	out := make([]Stats, 0, len(lt.sketches))
	for operation, sketch := range lt.sketches {
		s := Stats{Operation: operation, Count: int64(sketch.GetCount())}
		if s.Count > 0 {
			s.Min, _ = sketch.GetMinValue()
			s.Max, _ = sketch.GetMaxValue()
			s.P50, _ = sketch.GetValueAtQuantile(0.50)
			s.P90, _ = sketch.GetValueAtQuantile(0.90)
			s.P99, _ = sketch.GetValueAtQuantile(0.99)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: none", s.Operation)
	}
	return fmt.Sprintf("%s: count=%d min=%.3fms p50=%.3fms p90=%.3fms p99=%.3fms max=%.3fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
