// Package audit defines the field-level audit trail written alongside every
// counter change.
package audit

import (
	"reflect"
	"slices"
	"time"

	"github.com/xraph/tally/id"
)

// Actions recorded by the engine.
const (
	ActionOrderCreated    = "order.created"
	ActionOrderReconciled = "order.reconciled"
	ActionSeatReserved    = "seat.reserved"
	ActionSeatReleased    = "seat.released"
	ActionSeatExpired     = "seat.expired"
	ActionSeatRecounted   = "seat.recounted"
	ActionPlanActivated   = "plan.activated"
)

type Entry struct {
	ID         id.AuditID    `json:"id"`
	TenantID   string        `json:"tenant_id"`
	Action     string        `json:"action"`
	Resource   string        `json:"resource"`
	ResourceID string        `json:"resource_id"`
	Actor      string        `json:"actor,omitempty"`
	Changes    []FieldChange `json:"changes"`
	At         time.Time     `json:"at"`
}

// FieldChange records one field transition. Old is nil for fields that had
// no prior value.
type FieldChange struct {
	Field string `json:"field" bson:"field"`
	Old   any    `json:"old" bson:"old"`
	New   any    `json:"new" bson:"new"`
}

// Diff returns one change per field whose value differs between before and
// after, sorted by field name. A nil before map yields every field of after.
func Diff(before, after map[string]any) []FieldChange {
	keys := make([]string, 0, len(before)+len(after))
	for k := range after {
		keys = append(keys, k)
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	changes := make([]FieldChange, 0, len(keys))
	for _, k := range keys {
		oldV, hadOld := before[k]
		newV := after[k]
		if hadOld && reflect.DeepEqual(oldV, newV) {
			continue
		}
		changes = append(changes, FieldChange{Field: k, Old: oldV, New: newV})
	}
	return changes
}

type ListOpts struct {
	Action string
	Limit  int
	Offset int
}
