package interceptors

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/runstr/exitfee-saga/internal/pkg/interceptors/constants"
)

// TraceServerInterceptor copies the request ID and idempotency key from
// incoming metadata into the context and logs the call.
func TraceServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		requestID := ""
		idempotencyKey := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(constants.HeaderXRequestId); len(ids) > 0 {
				requestID = ids[0]
			}
			if ids := md.Get(constants.HeaderXIdempotencyKey); len(ids) > 0 {
				idempotencyKey = ids[0]
			}
		}
		ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
		ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, idempotencyKey)

		slog.DebugContext(ctx, "grpc call",
			"method", info.FullMethod,
			"request_id", requestID,
			"idempotency_key", idempotencyKey,
		)

		return handler(ctx, req)
	}
}

// PropagateClientInterceptor forwards the request ID and idempotency key held
// in ctx as outgoing metadata so the server side can deduplicate retries.
func PropagateClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, constants.HeaderXRequestId, id)
		}
		if key, ok := ctx.Value(constants.ContextKeyIdempotencyKey).(string); ok && key != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, constants.HeaderXIdempotencyKey, key)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
