package geogrid

import (
	"github.com/arkilian/geogrid/internal/aggregation"
)

// CellKey identifies one geographic grid cell at the precision of the
// aggregation that produced it. Keys are opaque: equality means "same cell"
// and numeric order is only used to break ranking ties.
type CellKey int64

// Bucket is the aggregated result for one cell. Buckets are immutable;
// merging always builds a new Bucket.
type Bucket struct {
	key      CellKey
	docCount int64
	aggs     *aggregation.Aggregations
}

// NewBucket creates a bucket. A nil aggs is replaced by the empty container.
func NewBucket(key CellKey, docCount int64, aggs *aggregation.Aggregations) *Bucket {
	if aggs == nil {
		aggs = aggregation.Empty()
	}
	return &Bucket{key: key, docCount: docCount, aggs: aggs}
}

// Key returns the cell key.
func (b *Bucket) Key() CellKey { return b.key }

// DocCount returns the number of documents that fell into the cell.
func (b *Bucket) DocCount() int64 { return b.docCount }

// Aggregations returns the sub-aggregations scoped to this bucket.
func (b *Bucket) Aggregations() *aggregation.Aggregations { return b.aggs }

// ranksBefore reports whether b is ordered before o: higher doc count
// first, then larger key first.
func (b *Bucket) ranksBefore(o *Bucket) bool {
	if b.docCount != o.docCount {
		return b.docCount > o.docCount
	}
	return b.key > o.key
}

// compareRank is ranksBefore as a three-way comparison for slices.SortFunc.
func compareRank(a, b *Bucket) int {
	switch {
	case a.ranksBefore(b):
		return -1
	case b.ranksBefore(a):
		return 1
	default:
		return 0
	}
}
