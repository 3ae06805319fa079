package tally

import (
	"context"

	"github.com/xraph/tally/seat"
)

// Caller identifies who invokes an operation.
type Caller struct {
	Subject  string
	TenantID string
	Role     seat.Role

	// System callers are in-process jobs. They bypass tenant and role
	// checks.
	System bool
}

// SystemCaller returns a caller for background jobs.
func SystemCaller(subject string) Caller {
	return Caller{Subject: subject, System: true}
}

type callerKey struct{}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// authorize checks the caller against the tenant an operation targets. It
// runs before any transaction is opened.
func authorize(ctx context.Context, tenantID string, adminOnly bool) (Caller, error) {
	c, ok := CallerFrom(ctx)
	if !ok {
		return Caller{}, ErrUnauthenticated
	}
	if tenantID == "" {
		return c, ErrMissingTenant
	}
	if c.System {
		return c, nil
	}
	if c.TenantID != tenantID {
		return c, ErrPermissionDenied
	}
	if adminOnly && !c.Role.IsAdmin() {
		return c, ErrPermissionDenied
	}
	return c, nil
}
