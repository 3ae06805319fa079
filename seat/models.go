package seat

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/identity"
)

// Lease is a seat that has been counted but not yet confirmed. It exists
// between the reserve and confirm steps of a seat reservation.
type Lease struct {
	ID        id.SeatID `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Bucket    Bucket    `json:"bucket"`
	Role      string    `json:"role"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is past its expiry at t. A zero
// ExpiresAt never expires.
func (l *Lease) Expired(t time.Time) bool {
	return !l.ExpiresAt.IsZero() && !t.Before(l.ExpiresAt)
}

type Request struct {
	TenantID    string `json:"tenant_id"`
	Role        string `json:"role"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type ReleaseRequest struct {
	TenantID string      `json:"tenant_id"`
	Role     string      `json:"role"`
	MemberID id.MemberID `json:"member_id,omitempty"`
}

// Grant is the outcome of a confirmed seat reservation.
type Grant struct {
	SeatID      id.SeatID               `json:"seat_id"`
	MemberID    id.MemberID             `json:"member_id"`
	TenantID    string                  `json:"tenant_id"`
	Role        Role                    `json:"role"`
	IdentityRef string                  `json:"identity_ref"`
	ResetLink   identity.Result[string] `json:"-"`
}
