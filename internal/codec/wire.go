// Package codec encodes grid results for storage and transport. The binary
// form uses the protobuf wire format so that other languages can read it
// with a plain .proto declaration:
//
//	message GridResult {
//	  string name = 1;
//	  int64 required_size = 2;
//	  repeated Bucket buckets = 3;
//	  bytes meta_json = 4;
//	}
//	message Bucket {
//	  sint64 key = 1;
//	  int64 doc_count = 2;
//	  repeated Aggregation aggregations = 3;
//	}
//	message Aggregation {
//	  string type = 1;
//	  bytes payload = 2; // GridResult or Metric, by type
//	}
//	message Metric {
//	  string name = 1;
//	  int32 kind = 2;
//	  int64 count = 3;
//	  double sum = 4;
//	  double min = 5;
//	  double max = 6;
//	  bool is_set = 7;
//	}
package codec

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/arkilian/geogrid/internal/aggregation"
	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/aggregation/metric"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// Field numbers.
const (
	gridName         protowire.Number = 1
	gridRequiredSize protowire.Number = 2
	gridBucket       protowire.Number = 3
	gridMeta         protowire.Number = 4

	bucketKey         protowire.Number = 1
	bucketDocCount    protowire.Number = 2
	bucketAggregation protowire.Number = 3

	aggType    protowire.Number = 1
	aggPayload protowire.Number = 2

	metricName  protowire.Number = 1
	metricKind  protowire.Number = 2
	metricCount protowire.Number = 3
	metricSum   protowire.Number = 4
	metricMin   protowire.Number = 5
	metricMax   protowire.Number = 6
	metricIsSet protowire.Number = 7
)

type aggregationCodec struct {
	marshal   func(b []byte, agg aggregation.Aggregation) ([]byte, error)
	unmarshal func(data []byte) (aggregation.Aggregation, error)
}

// registry maps aggregation type names to their payload codecs. It is
// filled in init and read-only afterwards.
var registry map[string]aggregationCodec

func init() {
	registry = map[string]aggregationCodec{
		geogrid.TypeName: {
			marshal: func(b []byte, agg aggregation.Aggregation) ([]byte, error) {
				g, ok := agg.(*geogrid.GridResult)
				if !ok {
					return nil, unexpectedImpl(agg)
				}
				return appendGridResult(b, g)
			},
			unmarshal: func(data []byte) (aggregation.Aggregation, error) {
				return UnmarshalGridResult(data)
			},
		},
		metric.TypeName: {
			marshal: func(b []byte, agg aggregation.Aggregation) ([]byte, error) {
				p, ok := agg.(*metric.Partial)
				if !ok {
					return nil, unexpectedImpl(agg)
				}
				return appendMetric(b, p), nil
			},
			unmarshal: func(data []byte) (aggregation.Aggregation, error) {
				return unmarshalMetric(data)
			},
		},
	}
}

// MarshalGridResult returns the binary encoding of g.
func MarshalGridResult(g *geogrid.GridResult) ([]byte, error) {
	return appendGridResult(nil, g)
}

func appendGridResult(b []byte, g *geogrid.GridResult) ([]byte, error) {
	if g.RequiredSize() < 0 {
		return nil, malformed(fmt.Sprintf("grid %q: negative required size %d", g.Name(), g.RequiredSize()), nil)
	}

	b = protowire.AppendTag(b, gridName, protowire.BytesType)
	b = protowire.AppendString(b, g.Name())
	b = protowire.AppendTag(b, gridRequiredSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.RequiredSize()))

	for _, bucket := range g.Buckets() {
		enc, err := marshalBucket(bucket)
		if err != nil {
			return nil, fmt.Errorf("grid %q: %w", g.Name(), err)
		}
		b = protowire.AppendTag(b, gridBucket, protowire.BytesType)
		b = protowire.AppendBytes(b, enc)
	}

	if meta := g.Meta(); meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, gerrors.NewCodecError(gerrors.CodeMalformedPayload, fmt.Sprintf("grid %q: meta is not serializable", g.Name()), err)
		}
		b = protowire.AppendTag(b, gridMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

func marshalBucket(bucket *geogrid.Bucket) ([]byte, error) {
	if bucket.DocCount() < 0 {
		return nil, malformed(fmt.Sprintf("cell %d: negative doc count %d", bucket.Key(), bucket.DocCount()), nil)
	}

	var b []byte
	b = protowire.AppendTag(b, bucketKey, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(bucket.Key())))
	b = protowire.AppendTag(b, bucketDocCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(bucket.DocCount()))

	for _, agg := range bucket.Aggregations().List() {
		enc, err := marshalAggregation(agg)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", bucket.Key(), err)
		}
		b = protowire.AppendTag(b, bucketAggregation, protowire.BytesType)
		b = protowire.AppendBytes(b, enc)
	}
	return b, nil
}

func marshalAggregation(agg aggregation.Aggregation) ([]byte, error) {
	c, ok := registry[agg.Type()]
	if !ok {
		return nil, gerrors.NewCodecError(
			gerrors.CodeUnknownAggregationType,
			fmt.Sprintf("no codec for aggregation type %q (%s)", agg.Type(), agg.Name()),
			nil,
		)
	}
	payload, err := c.marshal(nil, agg)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, aggType, protowire.BytesType)
	b = protowire.AppendString(b, agg.Type())
	b = protowire.AppendTag(b, aggPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

func appendMetric(b []byte, p *metric.Partial) []byte {
	count, sum, lo, hi, isSet := p.State()

	b = protowire.AppendTag(b, metricName, protowire.BytesType)
	b = protowire.AppendString(b, p.Name())
	b = protowire.AppendTag(b, metricKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kind()))
	b = protowire.AppendTag(b, metricCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(count))
	b = protowire.AppendTag(b, metricSum, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(sum))
	b = protowire.AppendTag(b, metricMin, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(lo))
	b = protowire.AppendTag(b, metricMax, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(hi))
	b = protowire.AppendTag(b, metricIsSet, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(isSet))
	return b
}

// UnmarshalGridResult decodes the binary form produced by MarshalGridResult.
// Unknown fields are skipped. Decoded results are checked against the data
// model: non-negative size and counts, one bucket per cell key.
func UnmarshalGridResult(data []byte) (*geogrid.GridResult, error) {
	var (
		name    string
		size    uint64
		buckets []*geogrid.Bucket
		meta    map[string]interface{}
	)
	seen := make(map[geogrid.CellKey]struct{})

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch {
		case num == gridName && typ == protowire.BytesType:
			name = string(v.bytes)
		case num == gridRequiredSize && typ == protowire.VarintType:
			size = v.varint
		case num == gridBucket && typ == protowire.BytesType:
			bucket, err := unmarshalBucket(v.bytes)
			if err != nil {
				return err
			}
			if _, dup := seen[bucket.Key()]; dup {
				return malformed(fmt.Sprintf("duplicate cell key %d", bucket.Key()), nil)
			}
			seen[bucket.Key()] = struct{}{}
			buckets = append(buckets, bucket)
		case num == gridMeta && typ == protowire.BytesType:
			if err := json.Unmarshal(v.bytes, &meta); err != nil {
				return malformed("meta is not valid JSON", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if size > math.MaxInt32 {
		return nil, malformed(fmt.Sprintf("required size %d out of range", size), nil)
	}
	return geogrid.NewGridResult(name, int(size), buckets, meta), nil
}

func unmarshalBucket(data []byte) (*geogrid.Bucket, error) {
	var (
		key      int64
		docCount uint64
		aggs     []aggregation.Aggregation
	)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch {
		case num == bucketKey && typ == protowire.VarintType:
			key = protowire.DecodeZigZag(v.varint)
		case num == bucketDocCount && typ == protowire.VarintType:
			docCount = v.varint
		case num == bucketAggregation && typ == protowire.BytesType:
			agg, err := unmarshalAggregation(v.bytes)
			if err != nil {
				return err
			}
			aggs = append(aggs, agg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if docCount > math.MaxInt64 {
		return nil, malformed(fmt.Sprintf("cell %d: doc count out of range", key), nil)
	}
	return geogrid.NewBucket(geogrid.CellKey(key), int64(docCount), aggregation.New(aggs...)), nil
}

func unmarshalAggregation(data []byte) (aggregation.Aggregation, error) {
	var (
		typeName   string
		payload    []byte
		hasPayload bool
	)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch {
		case num == aggType && typ == protowire.BytesType:
			typeName = string(v.bytes)
		case num == aggPayload && typ == protowire.BytesType:
			payload = v.bytes
			hasPayload = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c, ok := registry[typeName]
	if !ok {
		return nil, gerrors.NewCodecError(
			gerrors.CodeUnknownAggregationType,
			fmt.Sprintf("no codec for aggregation type %q", typeName),
			nil,
		)
	}
	if !hasPayload {
		return nil, malformed(fmt.Sprintf("aggregation of type %q has no payload", typeName), nil)
	}
	return c.unmarshal(payload)
}

func unmarshalMetric(data []byte) (*metric.Partial, error) {
	var (
		name        string
		kind, count uint64
		sum, lo, hi float64
		isSet       bool
	)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch {
		case num == metricName && typ == protowire.BytesType:
			name = string(v.bytes)
		case num == metricKind && typ == protowire.VarintType:
			kind = v.varint
		case num == metricCount && typ == protowire.VarintType:
			count = v.varint
		case num == metricSum && typ == protowire.Fixed64Type:
			sum = math.Float64frombits(v.fixed64)
		case num == metricMin && typ == protowire.Fixed64Type:
			lo = math.Float64frombits(v.fixed64)
		case num == metricMax && typ == protowire.Fixed64Type:
			hi = math.Float64frombits(v.fixed64)
		case num == metricIsSet && typ == protowire.VarintType:
			isSet = protowire.DecodeBool(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if kind > uint64(metric.KindAvg) {
		return nil, malformed(fmt.Sprintf("metric %q: unknown kind %d", name, kind), nil)
	}
	if count > math.MaxInt64 {
		return nil, malformed(fmt.Sprintf("metric %q: count out of range", name), nil)
	}
	return metric.FromState(name, metric.Kind(kind), int64(count), sum, lo, hi, isSet), nil
}

// fieldValue holds the decoded value of one field; which member is set
// depends on the wire type.
type fieldValue struct {
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

// walkFields calls fn for every field in data. Groups and fixed32 values
// are skipped.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, fieldValue) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return malformed("bad field tag", protowire.ParseError(n))
		}
		data = data[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(data)
		case protowire.Fixed64Type:
			v.fixed64, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return malformed(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		if n < 0 {
			return malformed(fmt.Sprintf("field %d", num), protowire.ParseError(n))
		}
		data = data[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

// Field is one decoded field of a protobuf message. Only the value member
// matching Type is set.
type Field struct {
	Num     protowire.Number
	Type    protowire.Type
	Varint  uint64
	Fixed64 uint64
	Bytes   []byte
}

// WalkFields calls fn for every varint, fixed64 and length-delimited field
// in data, skipping the rest. Parse failures are MALFORMED_PAYLOAD errors.
func WalkFields(data []byte, fn func(Field) error) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		return fn(Field{Num: num, Type: typ, Varint: v.varint, Fixed64: v.fixed64, Bytes: v.bytes})
	})
}

func unexpectedImpl(agg aggregation.Aggregation) error {
	return gerrors.NewCodecError(
		gerrors.CodeUnknownAggregationType,
		fmt.Sprintf("aggregation %q claims type %q but is %T", agg.Name(), agg.Type(), agg),
		nil,
	)
}

func malformed(message string, cause error) error {
	return gerrors.NewCodecError(gerrors.CodeMalformedPayload, message, cause)
}
