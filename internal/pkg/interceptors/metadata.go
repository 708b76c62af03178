package interceptors

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/runstr/exitfee-saga/internal/pkg/interceptors/constants"
)

// HeaderIdempotencyKey is the HTTP header carrying the idempotency key.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// WithIdempotencyKey stores key in ctx for every outbound call made with it.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
}

// IdempotencyKey returns the key stored by WithIdempotencyKey or received in
// incoming gRPC metadata.
func IdempotencyKey(ctx context.Context) string {
	return GetMetadataValue(ctx, constants.ContextKeyIdempotencyKey, constants.HeaderXIdempotencyKey)
}

// RequestID returns the request ID stored in ctx or received in incoming metadata.
func RequestID(ctx context.Context) string {
	return GetMetadataValue(ctx, constants.ContextKeyRequestID, constants.HeaderXRequestId)
}

// GetMetadataValue looks a value up in ctx under key, then in incoming and
// outgoing gRPC metadata under header.
func GetMetadataValue(ctx context.Context, key any, header string) string {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(header); len(vals) > 0 {
			return vals[0]
		}
	}

	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if vals := md.Get(header); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
