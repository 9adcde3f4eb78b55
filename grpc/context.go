// Package grpc carries plugauth sessions across gRPC calls.  Clients attach
// the session token to outgoing metadata, and the server interceptors
// validate it and put the session into the handler's context.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/panyam/plugauth"
)

// Default metadata keys
const (
	// DefaultMetadataKeySession carries the opaque session token
	DefaultMetadataKeySession = "x-session-token"

	// DefaultMetadataKeyUserID carries a user ID set by a trusted gateway.
	// Only honoured when the interceptor has no session validator.
	DefaultMetadataKeyUserID = "x-user-id"
)

// Config holds the metadata keys.
type Config struct {
	// MetadataKeySession defaults to "x-session-token".  An
	// "authorization: Bearer <token>" entry is accepted as well.
	MetadataKeySession string

	// MetadataKeyUserID defaults to "x-user-id".
	MetadataKeyUserID string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeySession: DefaultMetadataKeySession,
		MetadataKeyUserID:  DefaultMetadataKeyUserID,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeySession == "" {
		c.MetadataKeySession = DefaultMetadataKeySession
	}
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
}

type sessionKey struct{}

type userIDKey struct{}

// WithSession returns a context holding the validated session
func WithSession(ctx context.Context, session *plugauth.Session) context.Context {
	ctx = context.WithValue(ctx, sessionKey{}, session)
	return context.WithValue(ctx, userIDKey{}, session.UserID)
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// SessionFromContext returns the session the interceptor validated, or nil.
func SessionFromContext(ctx context.Context) *plugauth.Session {
	session, _ := ctx.Value(sessionKey{}).(*plugauth.Session)
	return session
}

// UserIDFromContext returns the authenticated user ID, or "" if the call is
// anonymous.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

// IsAuthenticated returns true if there is an authenticated user in the context.
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}

// SessionToOutgoingContext attaches a session token to outgoing metadata.
func SessionToOutgoingContext(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeySession, token)
}

// UserIDToOutgoingContext attaches a user ID for servers that trust the
// caller, e.g. behind a gateway that already checked the session.
func UserIDToOutgoingContext(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyUserID, userID)
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// sessionToken reads the token from the session key or a bearer
// authorization entry
func sessionToken(md metadata.MD, config *Config) string {
	if token := firstValue(md, config.MetadataKeySession); token != "" {
		return token
	}
	auth := firstValue(md, "authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
