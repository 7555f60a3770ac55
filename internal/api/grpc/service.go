// Package grpc exposes the pipeline over gRPC. Messages are
// google.protobuf.Struct values mirroring the HTTP JSON bodies, served through
// a hand-written service descriptor.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tally.v1.Pipeline"

const (
	ingestMethod    = "/" + ServiceName + "/Ingest"
	analyticsMethod = "/" + ServiceName + "/Analytics"
)

// PipelineServer is the server API of tally.v1.Pipeline.
type PipelineServer interface {
	Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Analytics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes tally.v1.Pipeline for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ingest", Handler: ingestHandler},
		{MethodName: "Analytics", Handler: analyticsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tally/v1/pipeline.proto",
}

// RegisterPipelineServer registers srv with s.
func RegisterPipelineServer(s grpc.ServiceRegistrar, srv PipelineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func ingestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).Ingest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ingestMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PipelineServer).Ingest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func analyticsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).Analytics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: analyticsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PipelineServer).Analytics(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls tally.v1.Pipeline.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Ingest sends one event.
func (c *Client) Ingest(ctx context.Context, event *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ingestMethod, event, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Analytics runs one analytics query.
func (c *Client) Analytics(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, analyticsMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
