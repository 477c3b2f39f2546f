package geogrid

import (
	"fmt"

	"github.com/arkilian/geogrid/internal/aggregation"
)

// accumulator collects everything known about one cell while walking the
// inputs.
type accumulator struct {
	docCount int64
	aggs     []*aggregation.Aggregations
}

// mergeBuckets groups buckets of all inputs by cell key in a single pass,
// sums their doc counts and reduces their sub-aggregations in input order.
// No key is dropped here; truncation happens later in selectTop. final is
// passed to the sub-aggregations so nested grids only truncate at the root.
func mergeBuckets(inputs []*GridResult, final bool) (map[CellKey]*Bucket, error) {
	acc := make(map[CellKey]*accumulator)
	var order []CellKey // first-seen, so a failing cell is reported deterministically

	for _, in := range inputs {
		for _, b := range in.buckets {
			a, exists := acc[b.key]
			if !exists {
				a = &accumulator{}
				acc[b.key] = a
				order = append(order, b.key)
			}
			a.docCount += b.docCount
			a.aggs = append(a.aggs, b.aggs)
		}
	}

	merged := make(map[CellKey]*Bucket, len(acc))
	for _, key := range order {
		a := acc[key]
		aggs, err := aggregation.ReduceAll(a.aggs, final)
		if err != nil {
			return nil, fmt.Errorf("geogrid: cell %d: %w", key, err)
		}
		merged[key] = &Bucket{key: key, docCount: a.docCount, aggs: aggs}
	}
	return merged, nil
}
