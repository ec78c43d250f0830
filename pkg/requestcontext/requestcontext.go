// Package requestcontext carries request-scoped values (time, caller identity,
// client metadata) through context so services never read HTTP headers directly.
package requestcontext

import (
	"context"
	"time"

	"gatehouse/pkg/domain"
)

type (
	timeKey      struct{}
	requestIDKey struct{}
	actorKey     struct{}
	roleKey      struct{}
	clientIPKey  struct{}
	userAgentKey struct{}
	deviceKey    struct{}
)

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() when unset (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(timeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins "now" for everything downstream of ctx. The scheduler uses it
// to give one sweep a single consistent clock reading.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey{}, t)
}

func WithActor(ctx context.Context, actor domain.ActorID, role string) context.Context {
	ctx = context.WithValue(ctx, actorKey{}, actor)
	return context.WithValue(ctx, roleKey{}, role)
}

// Actor returns the caller identity, or SystemActor when none was supplied.
func Actor(ctx context.Context) domain.ActorID {
	if a, ok := ctx.Value(actorKey{}).(domain.ActorID); ok && a != "" {
		return a
	}
	return domain.SystemActor
}

func Role(ctx context.Context) string {
	r, _ := ctx.Value(roleKey{}).(string)
	return r
}

func WithClientMetadata(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, ip)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func UserAgent(ctx context.Context) string {
	ua, _ := ctx.Value(userAgentKey{}).(string)
	return ua
}

// WithDevice records a coarse device label ("Chrome on Windows") for audit.
func WithDevice(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, deviceKey{}, label)
}

func Device(ctx context.Context) string {
	d, _ := ctx.Value(deviceKey{}).(string)
	return d
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
