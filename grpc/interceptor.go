package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type retryKey struct{}

// refreshError is returned when the retry's refresh fails. It reports
// codes.Unauthenticated to gRPC and unwraps to the session's error, so
// errors.Is(err, tokenkeeper.ErrRefreshFailed) holds as it does over HTTP.
type refreshError struct {
	err error
}

func (e *refreshError) Error() string {
	return "token refresh failed: " + e.err.Error()
}

func (e *refreshError) Unwrap() error { return e.err }

func (e *refreshError) GRPCStatus() *status.Status {
	return status.New(codes.Unauthenticated, e.Error())
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retryKey{}).(bool)
	return v
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that attaches
// the session's token and, when the server answers Unauthenticated, refreshes
// through the session's coordinator and retries the call once.
func UnaryClientInterceptor(session TokenSession, config *Config) grpc.UnaryClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		callCtx := ctx
		if cred := session.Credential(); cred != nil {
			callCtx = TokenToOutgoingContextWithKey(ctx, cred.Token, config.MetadataKeyAuthorization)
		}

		err := invoker(callCtx, method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated || isRetried(ctx) {
			return err
		}

		cred, refreshErr := session.Refresh(ctx)
		if refreshErr != nil {
			return &refreshError{err: refreshErr}
		}

		retryCtx := context.WithValue(ctx, retryKey{}, true)
		retryCtx = TokenToOutgoingContextWithKey(retryCtx, cred.Token, config.MetadataKeyAuthorization)
		return invoker(retryCtx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches the session's token to new streams. Streams
// are not retried: a stream may already have exchanged messages when the
// server rejects it.
func StreamClientInterceptor(session TokenSession, config *Config) grpc.StreamClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if cred := session.Credential(); cred != nil {
			ctx = TokenToOutgoingContextWithKey(ctx, cred.Token, config.MetadataKeyAuthorization)
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}
