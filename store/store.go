// Package store defines the persistence contract of the Tally engine.
//
// Every counter change runs inside RunInTx. Backends either commit the whole
// function atomically or return tally.ErrConflict, in which case the engine
// re-runs the function against fresh state.
package store

import (
	"context"
	"time"

	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/member"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/usage"
)

// Tx is a transactional view of the store. Reads observe the transaction's
// own writes. A function running against a Tx must not keep it after
// returning.
type Tx interface {
	// Tenant accounts
	GetTenant(ctx context.Context, tenantID string) (*tenant.Account, error)
	PutTenant(ctx context.Context, a *tenant.Account) error

	// Usage ledger
	GetUsage(ctx context.Context, tenantID, monthKey string) (*usage.Entry, error)
	PutUsage(ctx context.Context, e *usage.Entry) error

	// Orders
	CreateOrder(ctx context.Context, o *order.Order) error
	GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error)
	UpdateOrder(ctx context.Context, o *order.Order) error

	// Seat leases
	CreateLease(ctx context.Context, l *seat.Lease) error
	GetLease(ctx context.Context, leaseID id.SeatID) (*seat.Lease, error)
	DeleteLease(ctx context.Context, leaseID id.SeatID) error
	ListLeases(ctx context.Context, tenantID string) ([]*seat.Lease, error)

	// Members
	PutMember(ctx context.Context, m *member.Member) error
	DeleteMember(ctx context.Context, tenantID string, memberID id.MemberID) error
	ListMembers(ctx context.Context, tenantID string) ([]*member.Member, error)

	// Audit trail
	AppendAudit(ctx context.Context, e *audit.Entry) error
}

// TxFunc is a unit of work run by RunInTx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the unified storage interface for all Tally records.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// RunInTx runs fn in a transaction. If fn returns an error nothing is
	// written and the error is returned unchanged. Commit-time conflicts
	// are reported as tally.ErrConflict.
	RunInTx(ctx context.Context, fn TxFunc) error

	// Plan catalog
	UpsertPlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, planID string) (*plan.Plan, error)
	ListPlans(ctx context.Context) ([]*plan.Plan, error)

	// Read paths
	GetTenant(ctx context.Context, tenantID string) (*tenant.Account, error)
	GetUsage(ctx context.Context, tenantID, monthKey string) (*usage.Entry, error)
	ListUsage(ctx context.Context, tenantID string) ([]*usage.Entry, error)
	GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error)
	ListOrders(ctx context.Context, tenantID string, opts order.ListOpts) ([]*order.Order, error)
	ListMembers(ctx context.Context, tenantID string) ([]*member.Member, error)
	ListAudit(ctx context.Context, tenantID string, opts audit.ListOpts) ([]*audit.Entry, error)
	ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*seat.Lease, error)

	// InsertOrder writes an order outside the enforcer, the way migration
	// scripts and admin tools do. The order is picked up by the reconciler.
	InsertOrder(ctx context.Context, o *order.Order) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
