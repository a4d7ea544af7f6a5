package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/bpfmand/bpfmand/internal/rpc/bpfmanpb"
)

// serviceName is the fully-qualified gRPC service name clients dial.
const serviceName = "bpfman.v1.BpfmanService"

// bpfmanServer is the set of RPC methods Server implements, kept as an
// interface so the hand-written ServiceDesc's handler closures and any
// test double share one contract.
type bpfmanServer interface {
	Load(context.Context, *bpfmanpb.LoadRequest) (*bpfmanpb.LoadResponse, error)
	Unload(context.Context, *bpfmanpb.UnloadRequest) (*bpfmanpb.UnloadResponse, error)
	Get(context.Context, *bpfmanpb.GetRequest) (*bpfmanpb.GetResponse, error)
	List(context.Context, *bpfmanpb.ListRequest) (*bpfmanpb.ListResponse, error)
	PullBytecode(context.Context, *bpfmanpb.PullBytecodeRequest) (*bpfmanpb.PullBytecodeResponse, error)
}

// ServiceDesc is hand-written in place of what protoc-gen-go-grpc would
// generate from a .proto file: there is no .proto file, so the method table
// is built directly against bpfmanServer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*bpfmanServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: loadHandler},
		{MethodName: "Unload", Handler: unloadHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "List", Handler: listHandler},
		{MethodName: "PullBytecode", Handler: pullBytecodeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bpfman.proto",
}

func loadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(bpfmanpb.LoadRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(bpfmanServer).Load(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Load"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(bpfmanServer).Load(ctx, req.(*bpfmanpb.LoadRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func unloadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(bpfmanpb.UnloadRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(bpfmanServer).Unload(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Unload"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(bpfmanServer).Unload(ctx, req.(*bpfmanpb.UnloadRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(bpfmanpb.GetRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(bpfmanServer).Get(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(bpfmanServer).Get(ctx, req.(*bpfmanpb.GetRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(bpfmanpb.ListRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(bpfmanServer).List(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/List"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(bpfmanServer).List(ctx, req.(*bpfmanpb.ListRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func pullBytecodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(bpfmanpb.PullBytecodeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(bpfmanServer).PullBytecode(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PullBytecode"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(bpfmanServer).PullBytecode(ctx, req.(*bpfmanpb.PullBytecodeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// RegisterBpfmanServiceServer registers srv's methods against gs, the way
// the generated <Service>_ServiceDesc RegisterXServer function would.
func RegisterBpfmanServiceServer(gs grpc.ServiceRegistrar, srv bpfmanServer) {
	gs.RegisterService(&ServiceDesc, srv)
}
