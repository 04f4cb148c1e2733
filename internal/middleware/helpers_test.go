package middleware

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// testServerStream carries a fixed context through stream interceptors.
type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

// incomingCall builds the context a gRPC handler sees for a call from addr
// carrying the given authorization value. Empty values are omitted.
func incomingCall(authorization, addr string) context.Context {
	ctx := context.Background()
	if authorization != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", authorization))
	}
	if addr != "" {
		tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err == nil {
			ctx = peer.NewContext(ctx, &peer.Peer{Addr: tcpAddr})
		}
	}
	return ctx
}
