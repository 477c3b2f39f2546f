// Package aggregation defines the contract shared by every aggregation result
// that can be reduced across shards, and the ordered container that holds the
// sub-aggregations of a bucket.
package aggregation

import (
	"fmt"

	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// Aggregation is a partial or final aggregation result.
//
// Reduce merges the receiver with others, in order, into a new result. The
// receiver and others must share name and type. Implementations never
// mutate the receiver or any element of others.
//
// final is false when the result will be reduced again, at an intermediate
// node of a reduction tree. Such a result must keep all the state a later
// reduction needs: a bucketed aggregation may only drop buckets when final
// is true.
type Aggregation interface {
	Name() string
	Type() string
	Reduce(others []Aggregation, final bool) (Aggregation, error)
}

// Valuer is implemented by aggregations that resolve to a single value,
// such as metrics.
type Valuer interface {
	Value() interface{}
}

// PropertyResolver is implemented by aggregations that can answer a
// property path lookup (used by pipeline consumers).
type PropertyResolver interface {
	Property(path []string) (interface{}, error)
}

// Aggregations is an immutable, ordered set of named aggregations scoped to
// one bucket. A nil *Aggregations behaves like Empty().
type Aggregations struct {
	list []Aggregation
}

var empty = &Aggregations{}

// Empty returns the shared empty container.
func Empty() *Aggregations {
	return empty
}

// New builds a container from the given aggregations. The slice is copied.
func New(aggs ...Aggregation) *Aggregations {
	if len(aggs) == 0 {
		return empty
	}
	list := make([]Aggregation, len(aggs))
	copy(list, aggs)
	return &Aggregations{list: list}
}

// Len returns the number of aggregations.
func (a *Aggregations) Len() int {
	if a == nil {
		return 0
	}
	return len(a.list)
}

// List returns a copy of the aggregations in order.
func (a *Aggregations) List() []Aggregation {
	if a == nil || len(a.list) == 0 {
		return nil
	}
	out := make([]Aggregation, len(a.list))
	copy(out, a.list)
	return out
}

// Get returns the aggregation with the given name, or nil.
func (a *Aggregations) Get(name string) Aggregation {
	if a == nil {
		return nil
	}
	for _, agg := range a.list {
		if agg.Name() == name {
			return agg
		}
	}
	return nil
}

// ReduceAll merges the containers of several buckets that describe the same
// cell. Aggregations are grouped by name in first-seen order and each group
// is reduced in input order, passing final through. Errors from an
// aggregation's Reduce are returned as is.
func ReduceAll(sets []*Aggregations, final bool) (*Aggregations, error) {
	var names []string
	groups := make(map[string][]Aggregation)

	for _, set := range sets {
		if set == nil {
			continue
		}
		for _, agg := range set.list {
			name := agg.Name()
			group, seen := groups[name]
			if !seen {
				names = append(names, name)
			} else if group[0].Type() != agg.Type() {
				return nil, gerrors.NewAggregationError(
					gerrors.CodeTypeMismatch,
					fmt.Sprintf("aggregation %q: cannot reduce %s with %s", name, group[0].Type(), agg.Type()),
					nil,
				)
			}
			groups[name] = append(group, agg)
		}
	}

	if len(names) == 0 {
		return empty, nil
	}

	reduced := make([]Aggregation, 0, len(names))
	for _, name := range names {
		group := groups[name]
		r, err := group[0].Reduce(group[1:], final)
		if err != nil {
			return nil, err
		}
		reduced = append(reduced, r)
	}
	return &Aggregations{list: reduced}, nil
}
