// Package identity describes the external identity system that seat
// reservations provision users in.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrBoundElsewhere is returned when the identity already belongs to a
	// different tenant.
	ErrBoundElsewhere = errors.New("identity: bound to another tenant")

	// ErrNotFound is returned for unknown identity references.
	ErrNotFound = errors.New("identity: not found")
)

type Request struct {
	TenantID    string
	Email       string
	DisplayName string
}

type Identity struct {
	Ref      string
	TenantID string
	Email    string
	Created  bool
}

// Claims are the role claims attached to a provisioned identity.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Bucket   string `json:"bucket"`
}

// Provisioner locates or creates identities and assigns their claims.
type Provisioner interface {
	// Provision finds the identity for the request email or creates one
	// bound to the request tenant. It returns ErrBoundElsewhere when the
	// identity exists under another tenant.
	Provision(ctx context.Context, req *Request) (*Identity, error)
	AssignRole(ctx context.Context, ref string, claims Claims) error
}

// Revoker is implemented by provisioners that can take back claims assigned
// by a seat reservation that did not complete.
type Revoker interface {
	// RevokeRole removes claims from ref if they are still the ones it
	// holds.
	RevokeRole(ctx context.Context, ref string, claims Claims) error
}

// ResetLinker is implemented by provisioners able to issue password reset
// links.
type ResetLinker interface {
	ResetLink(ctx context.Context, ref string) (string, error)
}

// Result is the outcome of a best-effort side effect. Its failure never
// fails the surrounding operation.
type Result[T any] struct {
	Value T
	Err   error
	ran   bool
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v, ran: true} }

// Failed wraps a failure.
func Failed[T any](err error) Result[T] { return Result[T]{Err: err, ran: true} }

// Skipped reports whether the side effect was never attempted.
func (r Result[T]) Skipped() bool { return !r.ran }

// OK reports whether the side effect ran and succeeded.
func (r Result[T]) OK() bool { return r.ran && r.Err == nil }

// Get returns the value and whether it is usable.
func (r Result[T]) Get() (T, bool) { return r.Value, r.OK() }
