package grpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/codec"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// Messages of geogrid.v1.ReduceService. Grid results travel in the binary
// GridResult encoding of the codec package:
//
//	message ReduceRequest         { repeated bytes partials = 1; }
//	message ReduceResponse        { bytes result = 1; string request_id = 2; }
//	message SubmitPartialRequest  { string job_id = 1; string shard_id = 2; bytes partial = 3; }
//	message SubmitPartialResponse { string job_id = 1; string shard_id = 2; string request_id = 3; }
//	message JobRequest            { string job_id = 1; int64 wait_millis = 2; }
type message interface {
	marshal() ([]byte, error)
	unmarshal(data []byte) error
}

// ReduceRequest carries the partials of an in-process reduction.
type ReduceRequest struct {
	Partials []*geogrid.GridResult
}

// ReduceResponse carries a reduced result.
type ReduceResponse struct {
	Result    *geogrid.GridResult
	RequestID string
}

// SubmitPartialRequest stores one shard's partial for a job.
type SubmitPartialRequest struct {
	JobID   string
	ShardID string
	Partial *geogrid.GridResult
}

// SubmitPartialResponse acknowledges a stored partial.
type SubmitPartialResponse struct {
	JobID     string
	ShardID   string
	RequestID string
}

// JobRequest names a job. WaitMillis is only read by GetResult.
type JobRequest struct {
	JobID      string
	WaitMillis int64
}

func (m *ReduceRequest) marshal() ([]byte, error) {
	var out []byte
	for i, p := range m.Partials {
		raw, err := codec.MarshalGridResult(p)
		if err != nil {
			return nil, fmt.Errorf("partial %d: %w", i, err)
		}
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, raw)
	}
	return out, nil
}

func (m *ReduceRequest) unmarshal(data []byte) error {
	return codec.WalkFields(data, func(f codec.Field) error {
		if f.Num != 1 || f.Type != protowire.BytesType {
			return nil
		}
		g, err := codec.UnmarshalGridResult(f.Bytes)
		if err != nil {
			return fmt.Errorf("partial %d: %w", len(m.Partials), err)
		}
		m.Partials = append(m.Partials, g)
		return nil
	})
}

func (m *ReduceResponse) marshal() ([]byte, error) {
	var out []byte
	if m.Result != nil {
		raw, err := codec.MarshalGridResult(m.Result)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, raw)
	}
	return appendString(out, 2, m.RequestID), nil
}

func (m *ReduceResponse) unmarshal(data []byte) error {
	return codec.WalkFields(data, func(f codec.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			g, err := codec.UnmarshalGridResult(f.Bytes)
			if err != nil {
				return err
			}
			m.Result = g
		case 2:
			m.RequestID = string(f.Bytes)
		}
		return nil
	})
}

func (m *SubmitPartialRequest) marshal() ([]byte, error) {
	out := appendString(nil, 1, m.JobID)
	out = appendString(out, 2, m.ShardID)
	if m.Partial != nil {
		raw, err := codec.MarshalGridResult(m.Partial)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, 3, protowire.BytesType)
		out = protowire.AppendBytes(out, raw)
	}
	return out, nil
}

func (m *SubmitPartialRequest) unmarshal(data []byte) error {
	return codec.WalkFields(data, func(f codec.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			m.JobID = string(f.Bytes)
		case 2:
			m.ShardID = string(f.Bytes)
		case 3:
			g, err := codec.UnmarshalGridResult(f.Bytes)
			if err != nil {
				return err
			}
			m.Partial = g
		}
		return nil
	})
}

func (m *SubmitPartialResponse) marshal() ([]byte, error) {
	out := appendString(nil, 1, m.JobID)
	out = appendString(out, 2, m.ShardID)
	return appendString(out, 3, m.RequestID), nil
}

func (m *SubmitPartialResponse) unmarshal(data []byte) error {
	return codec.WalkFields(data, func(f codec.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			m.JobID = string(f.Bytes)
		case 2:
			m.ShardID = string(f.Bytes)
		case 3:
			m.RequestID = string(f.Bytes)
		}
		return nil
	})
}

func (m *JobRequest) marshal() ([]byte, error) {
	out := appendString(nil, 1, m.JobID)
	if m.WaitMillis != 0 {
		out = protowire.AppendTag(out, 2, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(m.WaitMillis))
	}
	return out, nil
}

func (m *JobRequest) unmarshal(data []byte) error {
	return codec.WalkFields(data, func(f codec.Field) error {
		switch {
		case f.Num == 1 && f.Type == protowire.BytesType:
			m.JobID = string(f.Bytes)
		case f.Num == 2 && f.Type == protowire.VarintType:
			m.WaitMillis = int64(f.Varint)
		}
		return nil
	})
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// CodecName is the content-subtype the service is served under. Clients
// select it with grpc.CallContentSubtype(CodecName).
const CodecName = "geogrid"

// wireCodec implements encoding.Codec for the message types above.
type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, gerrors.NewInternalError(fmt.Sprintf("cannot marshal %T", v), nil)
	}
	return m.marshal()
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(message)
	if !ok {
		return gerrors.NewInternalError(fmt.Sprintf("cannot unmarshal into %T", v), nil)
	}
	return m.unmarshal(data)
}
