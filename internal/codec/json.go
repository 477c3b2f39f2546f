package codec

import (
	"fmt"

	"github.com/arkilian/geogrid/internal/aggregation"
	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/aggregation/metric"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// GridResultJSON is the JSON form of a grid result used by the HTTP API.
type GridResultJSON struct {
	Name         string                 `json:"name"`
	RequiredSize int                    `json:"required_size"`
	Buckets      []BucketJSON           `json:"buckets"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// BucketJSON is one cell of a GridResultJSON.
type BucketJSON struct {
	Key          int64             `json:"key"`
	DocCount     int64             `json:"doc_count"`
	Aggregations []AggregationJSON `json:"aggregations,omitempty"`
}

// AggregationJSON is a tagged sub-aggregation. Exactly one of Grid and
// Metric is set, matching Type.
type AggregationJSON struct {
	Type   string          `json:"type"`
	Grid   *GridResultJSON `json:"grid,omitempty"`
	Metric *MetricJSON     `json:"metric,omitempty"`
}

// MetricJSON carries the mergeable state of a metric partial. Value is the
// computed result and is ignored on input.
type MetricJSON struct {
	Name  string      `json:"name"`
	Kind  string      `json:"kind"`
	Count int64       `json:"count"`
	Sum   float64     `json:"sum"`
	Min   float64     `json:"min"`
	Max   float64     `json:"max"`
	IsSet bool        `json:"is_set"`
	Value interface{} `json:"value,omitempty"`
}

// ToJSON converts g into its JSON DTO.
func ToJSON(g *geogrid.GridResult) (*GridResultJSON, error) {
	out := &GridResultJSON{
		Name:         g.Name(),
		RequiredSize: g.RequiredSize(),
		Buckets:      make([]BucketJSON, 0, g.Len()),
		Meta:         g.Meta(),
	}
	for _, b := range g.Buckets() {
		bj := BucketJSON{Key: int64(b.Key()), DocCount: b.DocCount()}
		for _, agg := range b.Aggregations().List() {
			aj, err := aggregationToJSON(agg)
			if err != nil {
				return nil, fmt.Errorf("cell %d: %w", b.Key(), err)
			}
			bj.Aggregations = append(bj.Aggregations, aj)
		}
		out.Buckets = append(out.Buckets, bj)
	}
	return out, nil
}

func aggregationToJSON(agg aggregation.Aggregation) (AggregationJSON, error) {
	switch a := agg.(type) {
	case *geogrid.GridResult:
		g, err := ToJSON(a)
		if err != nil {
			return AggregationJSON{}, err
		}
		return AggregationJSON{Type: geogrid.TypeName, Grid: g}, nil
	case *metric.Partial:
		count, sum, lo, hi, isSet := a.State()
		return AggregationJSON{
			Type: metric.TypeName,
			Metric: &MetricJSON{
				Name:  a.Name(),
				Kind:  a.Kind().String(),
				Count: count,
				Sum:   sum,
				Min:   lo,
				Max:   hi,
				IsSet: isSet,
				Value: a.Value(),
			},
		}, nil
	default:
		return AggregationJSON{}, gerrors.NewCodecError(
			gerrors.CodeUnknownAggregationType,
			fmt.Sprintf("no JSON form for aggregation %q of type %q", agg.Name(), agg.Type()),
			nil,
		)
	}
}

// FromJSON converts a DTO back into a grid result, applying the same
// checks as the binary decoder.
func FromJSON(in *GridResultJSON) (*geogrid.GridResult, error) {
	if in == nil {
		return nil, malformed("missing grid result", nil)
	}
	if in.RequiredSize < 0 {
		return nil, malformed(fmt.Sprintf("grid %q: negative required size %d", in.Name, in.RequiredSize), nil)
	}

	seen := make(map[int64]struct{}, len(in.Buckets))
	buckets := make([]*geogrid.Bucket, 0, len(in.Buckets))
	for _, bj := range in.Buckets {
		if bj.DocCount < 0 {
			return nil, malformed(fmt.Sprintf("cell %d: negative doc count %d", bj.Key, bj.DocCount), nil)
		}
		if _, dup := seen[bj.Key]; dup {
			return nil, malformed(fmt.Sprintf("duplicate cell key %d", bj.Key), nil)
		}
		seen[bj.Key] = struct{}{}

		aggs := make([]aggregation.Aggregation, 0, len(bj.Aggregations))
		for _, aj := range bj.Aggregations {
			agg, err := aggregationFromJSON(aj)
			if err != nil {
				return nil, fmt.Errorf("cell %d: %w", bj.Key, err)
			}
			aggs = append(aggs, agg)
		}
		buckets = append(buckets, geogrid.NewBucket(geogrid.CellKey(bj.Key), bj.DocCount, aggregation.New(aggs...)))
	}
	return geogrid.NewGridResult(in.Name, in.RequiredSize, buckets, in.Meta), nil
}

func aggregationFromJSON(aj AggregationJSON) (aggregation.Aggregation, error) {
	switch aj.Type {
	case geogrid.TypeName:
		if aj.Grid == nil {
			return nil, malformed("geohash_grid aggregation without grid body", nil)
		}
		return FromJSON(aj.Grid)
	case metric.TypeName:
		m := aj.Metric
		if m == nil {
			return nil, malformed("metric aggregation without metric body", nil)
		}
		kind, err := metric.ParseKind(m.Kind)
		if err != nil {
			return nil, malformed(fmt.Sprintf("metric %q", m.Name), err)
		}
		if m.Count < 0 {
			return nil, malformed(fmt.Sprintf("metric %q: negative count", m.Name), nil)
		}
		return metric.FromState(m.Name, kind, m.Count, m.Sum, m.Min, m.Max, m.IsSet), nil
	default:
		return nil, gerrors.NewCodecError(
			gerrors.CodeUnknownAggregationType,
			fmt.Sprintf("unknown aggregation type %q", aj.Type),
			nil,
		)
	}
}
