package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const (
	// ObserverContextKey is the key used to store/retrieve the observer id from context
	ObserverContextKey contextKey = "observer_id"

	// ObserverMetadataKey carries the self-declared console identity.
	ObserverMetadataKey = "x-observer-id"

	healthServicePrefix = "/grpc.health.v1."
)

// NewStreamObserverInterceptor rejects streams that do not name an observer.
func NewStreamObserverInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}

		// [PRE_CHECK] Identify the observer before the stream opens
		ctx := ss.Context()
		observerID := observerFromMetadata(ctx)
		if observerID == "" {
			return status.Errorf(codes.InvalidArgument, "%s metadata is required", ObserverMetadataKey)
		}

		// [ENRICHMENT] Inject the identity into the context for downstream handlers
		wrapped := &wrappedStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, ObserverContextKey, observerID),
		}
		return handler(srv, wrapped)
	}
}

func observerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(ObserverMetadataKey) {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// wrappedStream is a thin wrapper to inject a new context into a gRPC stream.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

// ObserverFromContext is a helper to extract the observer id from context safely.
func ObserverFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ObserverContextKey).(string)
	return id, ok && id != ""
}
