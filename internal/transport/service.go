package transport

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "consensus.Raft"

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// raftService is the server side of consensus.Raft.
type raftService interface {
	RequestVote(context.Context, *voteRequest) (*voteResponse, error)
	AppendEntries(context.Context, *appendRequest) (*appendResponse, error)
	Submit(context.Context, *submitRequest) (*submitResponse, error)
	Status(context.Context, *statusRequest) (*statusResponse, error)
}

// unaryHandler adapts one raftService method to grpc.MethodDesc.
func unaryHandler[Req any, PReq interface {
	*Req
	wireMessage
}, Resp any](method string, call func(raftService, context.Context, PReq) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(raftService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(raftService), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler:    unaryHandler[voteRequest]("RequestVote", raftService.RequestVote),
		},
		{
			MethodName: "AppendEntries",
			Handler:    unaryHandler[appendRequest]("AppendEntries", raftService.AppendEntries),
		},
		{
			MethodName: "Submit",
			Handler:    unaryHandler[submitRequest]("Submit", raftService.Submit),
		},
		{
			MethodName: "Status",
			Handler:    unaryHandler[statusRequest]("Status", raftService.Status),
		},
	},
	Streams: []grpc.StreamDesc{},
}
