package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/stores/memory"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setupSessions(t *testing.T) (*plugauth.SessionManager, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	storage := memory.New().Storage()
	require.NoError(t, storage.Users.CreateUser(context.Background(), &plugauth.User{ID: "u1"}))
	return plugauth.NewSessionManager(storage, plugauth.SessionConfig{TTL: time.Hour, Now: c.Now}), c
}

func incoming(pairs ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(pairs...))
}

func assertCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok, "expected grpc status error, got %v", err)
	assert.Equal(t, code, st.Code())
}

var info = &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

// capture returns a handler that records the context it was called with
func capture(got *context.Context) grpc.UnaryHandler {
	return func(ctx context.Context, req any) (any, error) {
		*got = ctx
		return "result", nil
	}
}

func TestUnaryInterceptorValidSession(t *testing.T) {
	sm, _ := setupSessions(t)
	session, err := sm.Create(context.Background(), "u1", "password", nil)
	require.NoError(t, err)

	interceptor := UnaryAuthInterceptor(DefaultInterceptorConfig(sm))
	var got context.Context
	resp, err := interceptor(incoming(DefaultMetadataKeySession, session.ID), nil, info, capture(&got))
	require.NoError(t, err)
	assert.Equal(t, "result", resp)
	assert.Equal(t, "u1", UserIDFromContext(got))
	assert.Equal(t, session.ID, SessionFromContext(got).ID)
}

func TestUnaryInterceptorRejects(t *testing.T) {
	sm, c := setupSessions(t)
	session, err := sm.Create(context.Background(), "u1", "password", nil)
	require.NoError(t, err)
	interceptor := UnaryAuthInterceptor(DefaultInterceptorConfig(sm))
	never := func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	}

	t.Run("NoToken", func(t *testing.T) {
		_, err := interceptor(context.Background(), nil, info, never)
		assertCode(t, err, codes.Unauthenticated)
	})
	t.Run("UnknownToken", func(t *testing.T) {
		_, err := interceptor(incoming("authorization", "Bearer nope"), nil, info, never)
		assertCode(t, err, codes.Unauthenticated)
	})
	t.Run("UserIDHeaderIgnored", func(t *testing.T) {
		_, err := interceptor(incoming(DefaultMetadataKeyUserID, "u1"), nil, info, never)
		assertCode(t, err, codes.Unauthenticated)
	})
	t.Run("Expired", func(t *testing.T) {
		c.now = c.now.Add(2 * time.Hour)
		_, err := interceptor(incoming(DefaultMetadataKeySession, session.ID), nil, info, never)
		assertCode(t, err, codes.Unauthenticated)
	})
}

func TestUnaryInterceptorPublicMethod(t *testing.T) {
	sm, _ := setupSessions(t)
	interceptor := UnaryAuthInterceptor(NewPublicMethodsConfig(sm, "/pkg.Svc/Method"))

	var got context.Context
	_, err := interceptor(incoming(DefaultMetadataKeySession, "stale"), nil, info, capture(&got))
	require.NoError(t, err)
	assert.False(t, IsAuthenticated(got))
}

func TestUnaryInterceptorOptionalAuth(t *testing.T) {
	sm, _ := setupSessions(t)
	session, err := sm.Create(context.Background(), "u1", "passkey", nil)
	require.NoError(t, err)
	interceptor := UnaryAuthInterceptor(OptionalAuthConfig(sm))

	var got context.Context
	_, err = interceptor(context.Background(), nil, info, capture(&got))
	require.NoError(t, err)
	assert.False(t, IsAuthenticated(got))

	_, err = interceptor(incoming(DefaultMetadataKeySession, session.ID), nil, info, capture(&got))
	require.NoError(t, err)
	assert.Equal(t, "u1", UserIDFromContext(got))
}

type brokenValidator struct{}

func (brokenValidator) Validate(ctx context.Context, sessionID string) (*plugauth.Session, error) {
	return nil, errors.New("connection refused")
}

func TestUnaryInterceptorStoreFailure(t *testing.T) {
	interceptor := UnaryAuthInterceptor(OptionalAuthConfig(brokenValidator{}))
	_, err := interceptor(incoming(DefaultMetadataKeySession, "abc"), nil, info, capture(new(context.Context)))
	assertCode(t, err, codes.Unavailable)
}

func TestUnaryInterceptorTrustedUserID(t *testing.T) {
	interceptor := UnaryAuthInterceptor(nil)

	var got context.Context
	_, err := interceptor(incoming(DefaultMetadataKeyUserID, "user123"), nil, info, capture(&got))
	require.NoError(t, err)
	assert.Equal(t, "user123", UserIDFromContext(got))
	assert.Nil(t, SessionFromContext(got))

	_, err = interceptor(context.Background(), nil, info, capture(&got))
	assertCode(t, err, codes.Unauthenticated)
}

// mockServerStream implements grpc.ServerStream for testing
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

func TestStreamInterceptor(t *testing.T) {
	sm, _ := setupSessions(t)
	session, err := sm.Create(context.Background(), "u1", "password", nil)
	require.NoError(t, err)
	interceptor := StreamAuthInterceptor(DefaultInterceptorConfig(sm))
	streamInfo := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/Stream"}

	var got string
	handler := func(srv any, ss grpc.ServerStream) error {
		got = UserIDFromContext(ss.Context())
		return nil
	}
	ss := &mockServerStream{ctx: incoming(DefaultMetadataKeySession, session.ID)}
	require.NoError(t, interceptor(nil, ss, streamInfo, handler))
	assert.Equal(t, "u1", got)

	err = interceptor(nil, &mockServerStream{ctx: context.Background()}, streamInfo, handler)
	assertCode(t, err, codes.Unauthenticated)
}
