// Package grpc serves the reducer and the job coordinator over gRPC as
// geogrid.v1.ReduceService.
package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arkilian/geogrid/internal/coordinator"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "geogrid.v1.ReduceService"

// MaxResultWait bounds JobRequest.WaitMillis.
const MaxResultWait = 5 * time.Minute

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// ReduceServer implements geogrid.v1.ReduceService.
type ReduceServer struct {
	coord  *coordinator.Coordinator
	logger logrus.FieldLogger
}

// NewReduceServer creates a new gRPC reduce server.
func NewReduceServer(coord *coordinator.Coordinator, logger logrus.FieldLogger) *ReduceServer {
	if logger == nil {
		logger = logrus.New()
	}
	return &ReduceServer{coord: coord, logger: logger}
}

// Register adds the service to s.
func (s *ReduceServer) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Reduce reduces the request's partials in process.
func (s *ReduceServer) Reduce(ctx context.Context, req *ReduceRequest) (*ReduceResponse, error) {
	requestID := extractRequestID(ctx)
	out, err := s.coord.Reduce(ctx, req.Partials)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReduceResponse{Result: out, RequestID: requestID}, nil
}

// SubmitPartial stores one shard's partial for a pending job.
func (s *ReduceServer) SubmitPartial(ctx context.Context, req *SubmitPartialRequest) (*SubmitPartialResponse, error) {
	requestID := extractRequestID(ctx)
	if err := s.coord.SubmitPartial(ctx, req.JobID, req.ShardID, req.Partial); err != nil {
		return nil, toStatus(err)
	}
	s.logger.WithFields(logrus.Fields{
		"action":     "grpc_submit_partial",
		"request_id": requestID,
		"job":        req.JobID,
		"shard":      req.ShardID,
	}).Debug("partial accepted")
	return &SubmitPartialResponse{JobID: req.JobID, ShardID: req.ShardID, RequestID: requestID}, nil
}

// ReduceJob reduces every stored partial of a job.
func (s *ReduceServer) ReduceJob(ctx context.Context, req *JobRequest) (*ReduceResponse, error) {
	requestID := extractRequestID(ctx)
	out, err := s.coord.ReduceJob(ctx, req.JobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReduceResponse{Result: out, RequestID: requestID}, nil
}

// GetResult returns a reduced job's result, waiting up to WaitMillis for a
// pending job.
func (s *ReduceServer) GetResult(ctx context.Context, req *JobRequest) (*ReduceResponse, error) {
	requestID := extractRequestID(ctx)
	if req.WaitMillis < 0 {
		return nil, status.Error(codes.InvalidArgument, "wait_millis must not be negative")
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait > MaxResultWait {
		wait = MaxResultWait
	}

	out, err := s.coord.WaitResult(ctx, req.JobID, wait)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReduceResponse{Result: out, RequestID: requestID}, nil
}

// LoggingInterceptor logs failed calls at warn level and the rest at debug.
func LoggingInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		entry := logger.WithFields(logrus.Fields{
			"action": "grpc_request",
			"method": info.FullMethod,
			"code":   status.Code(err).String(),
			"took":   time.Since(start),
		})
		if err != nil && status.Code(err) == codes.Internal {
			entry.WithError(err).Warn("call failed")
		} else {
			entry.Debug("call served")
		}
		return resp, err
	}
}

// toStatus maps coordinator errors to gRPC status codes.
func toStatus(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	switch gerrors.GetCode(err) {
	case gerrors.CodeJobNotFound, gerrors.CodeObjectNotFound:
		return status.Error(codes.NotFound, err.Error())
	case gerrors.CodeJobAlreadyExists:
		return status.Error(codes.AlreadyExists, err.Error())
	case gerrors.CodeJobAlreadyReduced, gerrors.CodeJobPending, gerrors.CodeJobReducing:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	switch gerrors.GetCategory(err) {
	case gerrors.ErrCategoryValidation, gerrors.ErrCategoryCodec, gerrors.ErrCategoryAggregation:
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// badRequest reports a request that failed to decode.
func badRequest(err error) error {
	return status.Error(codes.InvalidArgument, status.Convert(err).Message())
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*reduceService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reduce", Handler: reduceHandler},
		{MethodName: "SubmitPartial", Handler: submitPartialHandler},
		{MethodName: "ReduceJob", Handler: reduceJobHandler},
		{MethodName: "GetResult", Handler: getResultHandler},
	},
	Metadata: "geogrid/v1/reduce.proto",
}

type reduceService interface {
	Reduce(context.Context, *ReduceRequest) (*ReduceResponse, error)
	SubmitPartial(context.Context, *SubmitPartialRequest) (*SubmitPartialResponse, error)
	ReduceJob(context.Context, *JobRequest) (*ReduceResponse, error)
	GetResult(context.Context, *JobRequest) (*ReduceResponse, error)
}

func reduceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReduceRequest)
	if err := dec(in); err != nil {
		return nil, badRequest(err)
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(reduceService).Reduce(ctx, req.(*ReduceRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Reduce"}, call)
}

func submitPartialHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitPartialRequest)
	if err := dec(in); err != nil {
		return nil, badRequest(err)
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(reduceService).SubmitPartial(ctx, req.(*SubmitPartialRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/SubmitPartial"}, call)
}

func reduceJobHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JobRequest)
	if err := dec(in); err != nil {
		return nil, badRequest(err)
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(reduceService).ReduceJob(ctx, req.(*JobRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ReduceJob"}, call)
}

func getResultHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JobRequest)
	if err := dec(in); err != nil {
		return nil, badRequest(err)
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(reduceService).GetResult(ctx, req.(*JobRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetResult"}, call)
}
