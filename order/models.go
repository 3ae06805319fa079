package order

import (
	"maps"
	"time"

	"github.com/xraph/tally/id"
)

type Source string

const (
	SourceEnforcer Source = "enforcer"
	SourceExternal Source = "external"
)

type Order struct {
	ID             id.OrderID     `json:"id"`
	TenantID       string         `json:"tenant_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Source         Source         `json:"source"`
	CountedInUsage bool           `json:"counted_in_usage"`
	OverLimit      bool           `json:"over_limit"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// AuditFields returns the order as a flat field map for the audit trail.
func (o *Order) AuditFields() map[string]any {
	out := maps.Clone(o.Fields)
	if out == nil {
		out = make(map[string]any, 5)
	}
	out["id"] = o.ID.String()
	out["tenant_id"] = o.TenantID
	out["created_at"] = o.CreatedAt
	out["source"] = string(o.Source)
	out["counted_in_usage"] = o.CountedInUsage
	return out
}

// Request asks the enforcer for an order slot. At defaults to now.
type Request struct {
	TenantID string         `json:"tenant_id"`
	At       time.Time      `json:"at,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type ListOpts struct {
	MonthKey      string
	OnlyOverLimit bool
	Limit         int
	Offset        int
}

// Event notifies that an order was inserted. Feeds with acknowledgements
// set AckFunc and NakFunc, and TermFunc when they can drop a message for
// good.
type Event struct {
	OrderID  id.OrderID
	TenantID string
	AckFunc  func() error
	NakFunc  func() error
	TermFunc func() error
}

// NewEvent builds an event for an order without acknowledgements.
func NewEvent(o *Order) *Event {
	return &Event{OrderID: o.ID, TenantID: o.TenantID}
}

// Ack confirms the event was handled.
func (e *Event) Ack() error {
	if e.AckFunc == nil {
		return nil
	}
	return e.AckFunc()
}

// Term tells the feed never to deliver the event again. Feeds that cannot
// terminate a message treat it as an ack.
func (e *Event) Term() error {
	if e.TermFunc == nil {
		return e.Ack()
	}
	return e.TermFunc()
}

// Nak asks the feed to deliver the event again.
func (e *Event) Nak() error {
	if e.NakFunc == nil {
		return nil
	}
	return e.NakFunc()
}
