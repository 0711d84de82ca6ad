// Package grpc attaches tokenkeeper access tokens to outgoing gRPC calls and
// retries a call once after refreshing when the server answers Unauthenticated.
package grpc

import (
	"context"
	"strings"

	"github.com/panyam/tokenkeeper"
	"google.golang.org/grpc/metadata"
)

// DefaultMetadataKeyAuthorization is the default gRPC metadata key for the access token
const DefaultMetadataKeyAuthorization = "authorization"

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization is the metadata key carrying "Bearer <token>".
	// Defaults to "authorization".
	MetadataKeyAuthorization string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
}

// TokenSession is the part of *tokenkeeper.Session used here
type TokenSession interface {
	Credential() *tokenkeeper.Credential
	Refresh(ctx context.Context) (*tokenkeeper.Credential, error)
}

var _ TokenSession = (*tokenkeeper.Session)(nil)

// PerRPCCredentials implements credentials.PerRPCCredentials with the
// session's current token. It never refreshes; pair it with
// UnaryClientInterceptor for retry on Unauthenticated.
type PerRPCCredentials struct {
	Session    TokenSession
	Config     *Config
	RequireTLS bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials
func (c *PerRPCCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	cred := c.Session.Credential()
	if cred == nil {
		return map[string]string{}, nil
	}
	config := c.Config
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()
	return map[string]string{config.MetadataKeyAuthorization: "Bearer " + cred.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials
func (c *PerRPCCredentials) RequireTransportSecurity() bool {
	return c.RequireTLS
}

// TokenToOutgoingContext adds the access token to outgoing gRPC context metadata.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return TokenToOutgoingContextWithKey(ctx, token, DefaultMetadataKeyAuthorization)
}

// TokenToOutgoingContextWithKey adds the access token with a custom key.
func TokenToOutgoingContextWithKey(ctx context.Context, token string, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, "Bearer "+token)
}

// TokenFromIncomingContext returns the bearer token a server received, or ""
func TokenFromIncomingContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(DefaultMetadataKeyAuthorization)
	if len(values) == 0 {
		return ""
	}
	token, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return ""
	}
	return token
}
