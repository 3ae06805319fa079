package seat

import "strings"

// Bucket is a seat counter bucket. The set is closed.
type Bucket string

const (
	Messengers Bucket = "messengers"
	Operators  Bucket = "operators"
	Admins     Bucket = "admins"
)

// Buckets lists every bucket in a stable order.
var Buckets = []Bucket{Messengers, Operators, Admins}

// Valid reports whether b is one of the known buckets.
func (b Bucket) Valid() bool {
	switch b {
	case Messengers, Operators, Admins:
		return true
	}
	return false
}

// Role is a parsed user role: the canonical role name and the bucket it
// consumes a seat from.
type Role struct {
	Name   string `json:"name"`
	Bucket Bucket `json:"bucket"`
}

func (r Role) String() string { return r.Name }

// IsAdmin reports whether the role draws from the admin bucket.
func (r Role) IsAdmin() bool { return r.Bucket == Admins }

// aliases maps every accepted surface role name to its canonical role.
// Managers have no bucket of their own and share the operator seats.
var aliases = map[string]Role{
	"messenger":     {Name: "messenger", Bucket: Messengers},
	"mensajero":     {Name: "messenger", Bucket: Messengers},
	"operator":      {Name: "operator", Bucket: Operators},
	"operador":      {Name: "operator", Bucket: Operators},
	"manager":       {Name: "manager", Bucket: Operators},
	"gerente":       {Name: "manager", Bucket: Operators},
	"admin":         {Name: "admin", Bucket: Admins},
	"administrator": {Name: "admin", Bucket: Admins},
	"administrador": {Name: "admin", Bucket: Admins},
}

// ParseRole resolves a raw role string. Matching ignores case and
// surrounding whitespace. Unknown roles report false.
func ParseRole(raw string) (Role, bool) {
	r, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	return r, ok
}
