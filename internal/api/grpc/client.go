package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
)

// Client calls geogrid.v1.ReduceService over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp message, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, opts...)
}

// Reduce reduces partials on the server.
func (c *Client) Reduce(ctx context.Context, partials []*geogrid.GridResult, opts ...grpc.CallOption) (*geogrid.GridResult, error) {
	resp := new(ReduceResponse)
	if err := c.invoke(ctx, "Reduce", &ReduceRequest{Partials: partials}, resp, opts...); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SubmitPartial stores a shard's partial for a job.
func (c *Client) SubmitPartial(ctx context.Context, jobID, shardID string, partial *geogrid.GridResult, opts ...grpc.CallOption) error {
	req := &SubmitPartialRequest{JobID: jobID, ShardID: shardID, Partial: partial}
	return c.invoke(ctx, "SubmitPartial", req, new(SubmitPartialResponse), opts...)
}

// ReduceJob reduces a job's partials and returns the result.
func (c *Client) ReduceJob(ctx context.Context, jobID string, opts ...grpc.CallOption) (*geogrid.GridResult, error) {
	resp := new(ReduceResponse)
	if err := c.invoke(ctx, "ReduceJob", &JobRequest{JobID: jobID}, resp, opts...); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// GetResult fetches a job's result, waiting up to wait for it.
func (c *Client) GetResult(ctx context.Context, jobID string, wait time.Duration, opts ...grpc.CallOption) (*geogrid.GridResult, error) {
	resp := new(ReduceResponse)
	req := &JobRequest{JobID: jobID, WaitMillis: wait.Milliseconds()}
	if err := c.invoke(ctx, "GetResult", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp.Result, nil
}
