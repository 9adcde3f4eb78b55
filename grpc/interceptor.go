package grpc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/panyam/plugauth"
)

// SessionValidator checks a session token.  *plugauth.SessionManager
// implements it.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (*plugauth.Session, error)
}

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Validator checks session tokens.  When nil the interceptor trusts the
	// user ID metadata instead.
	Validator SessionValidator

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests proceed but UserIDFromContext returns empty.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool

	Logger *slog.Logger
}

// DefaultInterceptorConfig returns a config that validates sessions with v
// and requires auth for all methods.
func DefaultInterceptorConfig(v SessionValidator) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Validator:     v,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(v SessionValidator, publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig(v)
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig(v SessionValidator) *InterceptorConfig {
	config := DefaultInterceptorConfig(v)
	config.RequireAuth = false
	return config
}

func (c *InterceptorConfig) ensureDefaults() *InterceptorConfig {
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that validates the
// session token and stores the session in the handler's context.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	if config == nil {
		config = DefaultInterceptorConfig(nil)
	}
	config.ensureDefaults()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, config, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	if config == nil {
		config = DefaultInterceptorConfig(nil)
	}
	config.ensureDefaults()

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), config, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

func authenticate(ctx context.Context, config *InterceptorConfig, method string) (context.Context, error) {
	required := config.RequireAuth && !config.PublicMethods[method]

	md, _ := metadata.FromIncomingContext(ctx)
	if config.Validator == nil {
		if userID := firstValue(md, config.MetadataKeyUserID); userID != "" {
			return withUserID(ctx, userID), nil
		}
		if required {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}

	token := sessionToken(md, config.Config)
	if token == "" {
		if required {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}

	session, err := config.Validator.Validate(ctx, token)
	switch {
	case err == nil:
		return WithSession(ctx, session), nil
	case errors.Is(err, plugauth.ErrSessionNotFound), errors.Is(err, plugauth.ErrSessionExpired):
		if required {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return ctx, nil
	default:
		config.Logger.Error("session validation failed", "method", method, "err", err)
		return nil, status.Error(codes.Unavailable, "session validation unavailable")
	}
}
