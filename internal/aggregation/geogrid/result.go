// Package geogrid implements the geo grid bucket aggregation result and its
// cross-shard reduction: same-cell buckets from many partial results are
// merged, ranked by document count and truncated to the requested size.
package geogrid

import (
	"fmt"

	"github.com/arkilian/geogrid/internal/aggregation"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// TypeName is the aggregation type of a GridResult.
const TypeName = "geohash_grid"

// GridResult is a named, sized collection of ranked buckets. It is the unit
// exchanged between shards and reduction stages, and is never mutated once
// built.
type GridResult struct {
	name         string
	requiredSize int
	buckets      []*Bucket
	meta         map[string]interface{}
}

// NewGridResult creates a result. The buckets slice is copied; the caller
// is expected to pass buckets already in rank order, as shards do.
func NewGridResult(name string, requiredSize int, buckets []*Bucket, meta map[string]interface{}) *GridResult {
	cp := make([]*Bucket, len(buckets))
	copy(cp, buckets)
	return &GridResult{
		name:         name,
		requiredSize: requiredSize,
		buckets:      cp,
		meta:         meta,
	}
}

// Name returns the aggregation name.
func (g *GridResult) Name() string { return g.name }

// Type returns TypeName.
func (g *GridResult) Type() string { return TypeName }

// RequiredSize is the maximum number of buckets the caller wants back.
func (g *GridResult) RequiredSize() int { return g.requiredSize }

// Meta returns the pass-through metadata. Callers must not modify it.
func (g *GridResult) Meta() map[string]interface{} { return g.meta }

// Len returns the number of buckets.
func (g *GridResult) Len() int { return len(g.buckets) }

// Buckets returns a copy of the bucket list in rank order.
func (g *GridResult) Buckets() []*Bucket {
	out := make([]*Bucket, len(g.buckets))
	copy(out, g.buckets)
	return out
}

// Bucket returns the bucket for key, or nil.
func (g *GridResult) Bucket(key CellKey) *Bucket {
	for _, b := range g.buckets {
		if b.key == key {
			return b
		}
	}
	return nil
}

// Reduce lets a grid nested under another bucket be merged through the
// generic sub-aggregation path. The receiver is the first input. A non-final
// reduction keeps every bucket, like Reducer.ReducePartial.
func (g *GridResult) Reduce(others []aggregation.Aggregation, final bool) (aggregation.Aggregation, error) {
	inputs := make([]*GridResult, 0, len(others)+1)
	inputs = append(inputs, g)
	for _, o := range others {
		grid, ok := o.(*GridResult)
		if !ok {
			return nil, gerrors.NewAggregationError(
				gerrors.CodeTypeMismatch,
				fmt.Sprintf("geogrid %q: cannot reduce with %s", g.name, o.Type()),
				nil,
			)
		}
		inputs = append(inputs, grid)
	}
	return defaultReducer.reduce(inputs, final)
}

var (
	_ aggregation.Aggregation      = (*GridResult)(nil)
	_ aggregation.PropertyResolver = (*GridResult)(nil)
)
