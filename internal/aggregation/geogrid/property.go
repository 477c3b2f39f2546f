package geogrid

import (
	"fmt"

	"github.com/arkilian/geogrid/internal/aggregation"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// Special path elements understood by Property.
const (
	PathCount = "_count"
	PathKey   = "_key"
)

// Property resolves a pipeline path against every bucket, in rank order.
//
//	[]                  the result itself
//	["_count"]          []int64 doc counts
//	["_key"]            []CellKey keys
//	["name", rest...]   per-bucket value of sub-aggregation "name"
//
// A sub-aggregation resolves to its Value() when the rest of the path is
// empty, otherwise to its own Property(rest). Buckets lacking the named
// sub-aggregation yield nil; a name no bucket carries is an error.
func (g *GridResult) Property(path []string) (interface{}, error) {
	if len(path) == 0 {
		return g, nil
	}

	switch path[0] {
	case PathCount:
		if len(path) > 1 {
			return nil, invalidPath(g.name, path)
		}
		counts := make([]int64, len(g.buckets))
		for i, b := range g.buckets {
			counts[i] = b.docCount
		}
		return counts, nil

	case PathKey:
		if len(path) > 1 {
			return nil, invalidPath(g.name, path)
		}
		keys := make([]CellKey, len(g.buckets))
		for i, b := range g.buckets {
			keys[i] = b.key
		}
		return keys, nil
	}

	values := make([]interface{}, len(g.buckets))
	found := false
	for i, b := range g.buckets {
		agg := b.aggs.Get(path[0])
		if agg == nil {
			continue // left nil
		}
		found = true
		v, err := subAggregationProperty(agg, path[1:])
		if err != nil {
			return nil, fmt.Errorf("geogrid %q: %w", g.name, err)
		}
		values[i] = v
	}
	if !found && len(g.buckets) > 0 {
		return nil, invalidPath(g.name, path)
	}
	return values, nil
}

func subAggregationProperty(agg aggregation.Aggregation, rest []string) (interface{}, error) {
	if len(rest) == 0 {
		if v, ok := agg.(aggregation.Valuer); ok {
			return v.Value(), nil
		}
		return agg, nil
	}

	resolver, ok := agg.(aggregation.PropertyResolver)
	if !ok {
		return nil, invalidPath(agg.Name(), rest)
	}
	return resolver.Property(rest)
}

func invalidPath(name string, path []string) error {
	return gerrors.NewAggregationError(
		gerrors.CodeInvalidPath,
		fmt.Sprintf("no property %v on aggregation %q", path, name),
		nil,
	)
}
