// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets these values; services read them without importing net/http.
//
//	identity := requestcontext.Identity(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Tests inject values directly:
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "chenu/pkg/domain"
)

type (
	identityKey    struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	clientKey      struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

var (
	ContextKeyIdentity    = identityKey{}
	ContextKeyClientIP    = clientIPKey{}
	ContextKeyUserAgent   = userAgentKey{}
	ContextKeyClient      = clientKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// Identity returns the authenticated identity, or "" when unauthenticated.
func Identity(ctx context.Context) id.IdentityID {
	if identity, ok := ctx.Value(ContextKeyIdentity).(id.IdentityID); ok {
		return identity
	}
	return ""
}

func WithIdentity(ctx context.Context, identity id.IdentityID) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, identity)
}

// -----------------------------------------------------------------------------
// Client metadata (IP, User-Agent)
// -----------------------------------------------------------------------------

// Client summarises the parsed User-Agent.
type Client struct {
	Browser string
	OS      string
	Mobile  bool
	Bot     bool
}

func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(ContextKeyUserAgent).(string); ok {
		return ua
	}
	return ""
}

// ClientInfo returns the parsed client summary; ok is false when no
// metadata middleware ran.
func ClientInfo(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(ContextKeyClient).(Client)
	return c, ok
}

// WithClientMetadata injects client IP, raw User-Agent, and its parsed form.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string, client Client) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	ctx = context.WithValue(ctx, ContextKeyUserAgent, userAgent)
	ctx = context.WithValue(ctx, ContextKeyClient, client)
	return ctx
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for workers and tests that did not set one.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
