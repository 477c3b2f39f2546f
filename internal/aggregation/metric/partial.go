// Package metric provides single-value metric aggregations (count, sum, min,
// max, avg) that can live under a grid bucket and be merged across shards.
package metric

import (
	"fmt"
	"strings"

	"github.com/arkilian/geogrid/internal/aggregation"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// TypeName is the aggregation type reported by every Partial.
const TypeName = "metric"

// Kind selects the metric function.
type Kind int

const (
	KindCount Kind = iota
	KindSum
	KindMin
	KindMax
	KindAvg
)

// String returns the lower-case function name.
func (k Kind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindSum:
		return "sum"
	case KindMin:
		return "min"
	case KindMax:
		return "max"
	case KindAvg:
		return "avg"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a function name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "count":
		return KindCount, nil
	case "sum":
		return KindSum, nil
	case "min":
		return KindMin, nil
	case "max":
		return KindMax, nil
	case "avg":
		return KindAvg, nil
	default:
		return 0, fmt.Errorf("metric: unknown function %q", name)
	}
}

// Partial holds the partial state of a metric computed on one shard. For
// avg both sum and count are tracked so the merged mean is weighted
// correctly.
type Partial struct {
	name  string
	kind  Kind
	count int64
	sum   float64
	min   float64
	max   float64
	isSet bool
}

// NewPartial creates an empty partial metric.
func NewPartial(name string, kind Kind) *Partial {
	return &Partial{name: name, kind: kind}
}

func NewCount(name string) *Partial { return NewPartial(name, KindCount) }
func NewSum(name string) *Partial   { return NewPartial(name, KindSum) }
func NewMin(name string) *Partial   { return NewPartial(name, KindMin) }
func NewMax(name string) *Partial   { return NewPartial(name, KindMax) }
func NewAvg(name string) *Partial   { return NewPartial(name, KindAvg) }

// FromState rebuilds a partial from its raw fields. Used by decoders.
func FromState(name string, kind Kind, count int64, sum, min, max float64, isSet bool) *Partial {
	return &Partial{
		name:  name,
		kind:  kind,
		count: count,
		sum:   sum,
		min:   min,
		max:   max,
		isSet: isSet,
	}
}

// Accumulate folds a single value into the partial. It is meant for
// building shard-local state; a Partial handed to Reduce is never
// accumulated into again.
func (p *Partial) Accumulate(value float64) *Partial {
	switch p.kind {
	case KindCount:
		p.count++
	case KindSum, KindAvg:
		p.sum += value
		p.count++
	case KindMin:
		if !p.isSet || value < p.min {
			p.min = value
		}
		p.count++
	case KindMax:
		if !p.isSet || value > p.max {
			p.max = value
		}
		p.count++
	}
	p.isSet = true
	return p
}

func (p *Partial) Name() string { return p.name }
func (p *Partial) Type() string { return TypeName }
func (p *Partial) Kind() Kind   { return p.kind }

// State returns the raw fields for encoders.
func (p *Partial) State() (count int64, sum, min, max float64, isSet bool) {
	return p.count, p.sum, p.min, p.max, p.isSet
}

// Reduce merges the receiver and others into a new Partial:
//   - count: sum of counts
//   - sum:   sum of sums
//   - min:   minimum of mins
//   - max:   maximum of maxes
//   - avg:   (sum of sums) / (sum of counts)
//
// Metric state is complete after every reduction, so final is ignored.
func (p *Partial) Reduce(others []aggregation.Aggregation, _ bool) (aggregation.Aggregation, error) {
	merged := &Partial{name: p.name, kind: p.kind}
	merged.mergeFrom(p)

	for _, other := range others {
		o, ok := other.(*Partial)
		if !ok {
			return nil, gerrors.NewAggregationError(
				gerrors.CodeTypeMismatch,
				fmt.Sprintf("metric %q: cannot reduce with %s", p.name, other.Type()),
				nil,
			)
		}
		if o.kind != p.kind {
			return nil, gerrors.NewAggregationError(
				gerrors.CodeTypeMismatch,
				fmt.Sprintf("metric %q: cannot reduce %s with %s", p.name, p.kind, o.kind),
				nil,
			)
		}
		merged.mergeFrom(o)
	}

	return merged, nil
}

func (p *Partial) mergeFrom(src *Partial) {
	if !src.isSet {
		return
	}

	switch p.kind {
	case KindCount:
		p.count += src.count
	case KindSum, KindAvg:
		p.sum += src.sum
		p.count += src.count
	case KindMin:
		if !p.isSet || src.min < p.min {
			p.min = src.min
		}
		p.count += src.count
	case KindMax:
		if !p.isSet || src.max > p.max {
			p.max = src.max
		}
		p.count += src.count
	}
	p.isSet = true
}

// Value returns the final value of the metric. Unset metrics yield nil,
// except count which yields 0.
func (p *Partial) Value() interface{} {
	if !p.isSet {
		if p.kind == KindCount {
			return int64(0)
		}
		return nil
	}

	switch p.kind {
	case KindCount:
		return p.count
	case KindSum:
		return p.sum
	case KindMin:
		return p.min
	case KindMax:
		return p.max
	case KindAvg:
		if p.count == 0 {
			return nil
		}
		return p.sum / float64(p.count)
	}
	return nil
}

var (
	_ aggregation.Aggregation = (*Partial)(nil)
	_ aggregation.Valuer      = (*Partial)(nil)
)
