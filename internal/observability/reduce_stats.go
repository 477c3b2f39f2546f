// Package observability tracks reduction statistics and exports Prometheus
// metrics for the geogrid service.
package observability

import (
	"sort"
	"sync"
	"time"
)

// ReduceStats tracks per-aggregation reduction activity.
type ReduceStats struct {
	mu     sync.RWMutex
	byName map[string]*AggregationStats
	window time.Duration
	now    func() time.Time
}

// AggregationStats holds statistics for one aggregation name.
type AggregationStats struct {
	Name          string    `json:"name"`
	Reductions    int64     `json:"reductions"`
	Failures      int64     `json:"failures"`
	InputBuckets  int64     `json:"input_buckets"`
	OutputBuckets int64     `json:"output_buckets"`
	LastSeen      time.Time `json:"last_seen"`
}

// NewReduceStats creates a new tracker.
// window: entries idle for longer are removed by Prune
func NewReduceStats(window time.Duration) *ReduceStats {
	return &ReduceStats{
		byName: make(map[string]*AggregationStats),
		window: window,
		now:    time.Now,
	}
}

// Record records one reduction of the named aggregation. inBuckets is the
// total bucket count across inputs, outBuckets the size of the result.
// Failed reductions only bump Failures.
func (s *ReduceStats) Record(name string, inBuckets, outBuckets int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, exists := s.byName[name]
	if !exists {
		stats = &AggregationStats{Name: name}
		s.byName[name] = stats
	}

	stats.LastSeen = s.now()
	if err != nil {
		stats.Failures++
		return
	}
	stats.Reductions++
	stats.InputBuckets += int64(inBuckets)
	stats.OutputBuckets += int64(outBuckets)
}

// TopAggregations returns the top n aggregations by reduction count,
// ties broken by name.
func (s *ReduceStats) TopAggregations(n int) []AggregationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.byName) == 0 {
		return []AggregationStats{}
	}

	stats := make([]AggregationStats, 0, len(s.byName))
	for _, st := range s.byName {
		stats = append(stats, *st)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Reductions != stats[j].Reductions {
			return stats[i].Reductions > stats[j].Reductions
		}
		return stats[i].Name < stats[j].Name
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
// This should be called periodically (e.g., every 5 minutes).
func (s *ReduceStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for name, stats := range s.byName {
		if stats.LastSeen.Before(threshold) {
			delete(s.byName, name)
		}
	}
}
