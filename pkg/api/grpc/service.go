package grpc

import (
	"context"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc/wire"
	"google.golang.org/grpc"
)

// CoordinatorServer is the server API for the collective coordinator
type CoordinatorServer interface {
	Exchange(context.Context, *wire.Contribution) (*wire.Outcome, error)
	Abort(context.Context, *wire.AbortRequest) (*wire.AbortResponse, error)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
		{MethodName: "Abort", Handler: abortHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kmedoids/collective/v1/coordinator.proto",
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wire.Contribution)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: wire.ExchangeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Exchange(ctx, req.(*wire.Contribution))
	}
	return interceptor(ctx, in, info, handler)
}

func abortHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wire.AbortRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: wire.AbortMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Abort(ctx, req.(*wire.AbortRequest))
	}
	return interceptor(ctx, in, info, handler)
}
