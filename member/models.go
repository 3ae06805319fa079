package member

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/seat"
)

// Member is a user record of a tenant. Seat recounts are computed from
// these records.
type Member struct {
	ID          id.MemberID `json:"id"`
	TenantID    string      `json:"tenant_id"`
	IdentityRef string      `json:"identity_ref"`
	Email       string      `json:"email"`
	Role        string      `json:"role"`
	Bucket      seat.Bucket `json:"bucket"`
	CreatedAt   time.Time   `json:"created_at"`
}
