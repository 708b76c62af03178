package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/runstr/exitfee-saga/internal/pkg/interceptors/constants"
)

// AttachTracingMetadata stores the chi request ID and the caller's idempotency
// key in the context. The gRPC client interceptor forwards both downstream.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		idempotencyKey := r.Header.Get(constants.HeaderXIdempotencyKey)

		ctx := context.WithValue(r.Context(), constants.ContextKeyRequestID, requestID)
		if idempotencyKey != "" {
			ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, idempotencyKey)
		}
		w.Header().Set(constants.HeaderXRequestId, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
