package mongo

import (
	"time"

	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/member"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/usage"
)

// ==================== Plan models ====================

type planModel struct {
	ID          string            `bson:"_id"`
	Name        string            `bson:"name"`
	Description string            `bson:"description"`
	Limits      plan.Limits       `bson:"limits"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Limits:      p.Limits,
		Metadata:    p.Metadata,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) *plan.Plan {
	return &plan.Plan{
		Entity:      types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Limits:      m.Limits,
		Metadata:    m.Metadata,
	}
}

// ==================== Tenant models ====================

type tenantModel struct {
	TenantID        string           `bson:"_id"`
	PlanID          string           `bson:"plan_id"`
	BillingCycle    string           `bson:"billing_cycle"`
	Limits          *plan.Limits     `bson:"limits,omitempty"`
	SeatUsage       tenant.SeatUsage `bson:"seat_usage"`
	PlanActivatedAt *time.Time       `bson:"plan_activated_at,omitempty"`
	PlanRenewalAt   *time.Time       `bson:"plan_renewal_at,omitempty"`
	CreatedAt       time.Time        `bson:"created_at"`
	UpdatedAt       time.Time        `bson:"updated_at"`
	Version         int64            `bson:"version"`
}

func toTenantModel(a *tenant.Account) *tenantModel {
	return &tenantModel{
		TenantID:        a.TenantID,
		PlanID:          a.PlanID,
		BillingCycle:    string(a.BillingCycle),
		Limits:          a.Limits,
		SeatUsage:       a.SeatUsage,
		PlanActivatedAt: optTime(a.PlanActivatedAt),
		PlanRenewalAt:   optTime(a.PlanRenewalAt),
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		Version:         a.Version,
	}
}

func fromTenantModel(m *tenantModel) *tenant.Account {
	return &tenant.Account{
		Entity:          types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		TenantID:        m.TenantID,
		PlanID:          m.PlanID,
		BillingCycle:    plan.BillingCycle(m.BillingCycle),
		Limits:          m.Limits,
		SeatUsage:       m.SeatUsage,
		PlanActivatedAt: fromOptTime(m.PlanActivatedAt),
		PlanRenewalAt:   fromOptTime(m.PlanRenewalAt),
		Version:         m.Version,
	}
}

// ==================== Usage models ====================

type usageModel struct {
	Key         string    `bson:"_id"`
	TenantID    string    `bson:"tenant_id"`
	MonthKey    string    `bson:"month_key"`
	OrdersCount int64     `bson:"orders_count"`
	UpdatedAt   time.Time `bson:"updated_at"`
	Version     int64     `bson:"version"`
}

func usageKey(tenantID, monthKey string) string {
	return tenantID + "/" + monthKey
}

func toUsageModel(e *usage.Entry) *usageModel {
	return &usageModel{
		Key:         usageKey(e.TenantID, e.MonthKey),
		TenantID:    e.TenantID,
		MonthKey:    e.MonthKey,
		OrdersCount: e.OrdersCount,
		UpdatedAt:   e.UpdatedAt,
		Version:     e.Version,
	}
}

func fromUsageModel(m *usageModel) *usage.Entry {
	return &usage.Entry{
		TenantID:    m.TenantID,
		MonthKey:    m.MonthKey,
		OrdersCount: m.OrdersCount,
		UpdatedAt:   m.UpdatedAt.UTC(),
		Version:     m.Version,
	}
}

// ==================== Order models ====================

type orderModel struct {
	ID             string         `bson:"_id"`
	TenantID       string         `bson:"tenant_id"`
	CreatedAt      time.Time      `bson:"created_at"`
	Source         string         `bson:"source"`
	CountedInUsage bool           `bson:"counted_in_usage"`
	OverLimit      bool           `bson:"over_limit"`
	Fields         map[string]any `bson:"fields,omitempty"`
}

func toOrderModel(o *order.Order) *orderModel {
	return &orderModel{
		ID:             o.ID.String(),
		TenantID:       o.TenantID,
		CreatedAt:      o.CreatedAt,
		Source:         string(o.Source),
		CountedInUsage: o.CountedInUsage,
		OverLimit:      o.OverLimit,
		Fields:         o.Fields,
	}
}

func fromOrderModel(m *orderModel) (*order.Order, error) {
	orderID, err := id.ParseOrderID(m.ID)
	if err != nil {
		return nil, err
	}
	return &order.Order{
		ID:             orderID,
		TenantID:       m.TenantID,
		CreatedAt:      m.CreatedAt.UTC(),
		Source:         order.Source(m.Source),
		CountedInUsage: m.CountedInUsage,
		OverLimit:      m.OverLimit,
		Fields:         m.Fields,
	}, nil
}

// ==================== Seat models ====================

type leaseModel struct {
	ID        string     `bson:"_id"`
	TenantID  string     `bson:"tenant_id"`
	Bucket    string     `bson:"bucket"`
	Role      string     `bson:"role"`
	Email     string     `bson:"email,omitempty"`
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

func toLeaseModel(l *seat.Lease) *leaseModel {
	return &leaseModel{
		ID:        l.ID.String(),
		TenantID:  l.TenantID,
		Bucket:    string(l.Bucket),
		Role:      l.Role,
		Email:     l.Email,
		CreatedAt: l.CreatedAt,
		ExpiresAt: optTime(l.ExpiresAt),
	}
}

func fromLeaseModel(m *leaseModel) (*seat.Lease, error) {
	leaseID, err := id.ParseSeatID(m.ID)
	if err != nil {
		return nil, err
	}
	return &seat.Lease{
		ID:        leaseID,
		TenantID:  m.TenantID,
		Bucket:    seat.Bucket(m.Bucket),
		Role:      m.Role,
		Email:     m.Email,
		CreatedAt: m.CreatedAt.UTC(),
		ExpiresAt: fromOptTime(m.ExpiresAt),
	}, nil
}

type memberModel struct {
	ID          string    `bson:"_id"`
	TenantID    string    `bson:"tenant_id"`
	IdentityRef string    `bson:"identity_ref"`
	Email       string    `bson:"email"`
	Role        string    `bson:"role"`
	Bucket      string    `bson:"bucket"`
	CreatedAt   time.Time `bson:"created_at"`
}

func toMemberModel(m *member.Member) *memberModel {
	return &memberModel{
		ID:          m.ID.String(),
		TenantID:    m.TenantID,
		IdentityRef: m.IdentityRef,
		Email:       m.Email,
		Role:        m.Role,
		Bucket:      string(m.Bucket),
		CreatedAt:   m.CreatedAt,
	}
}

func fromMemberModel(m *memberModel) (*member.Member, error) {
	memberID, err := id.ParseMemberID(m.ID)
	if err != nil {
		return nil, err
	}
	return &member.Member{
		ID:          memberID,
		TenantID:    m.TenantID,
		IdentityRef: m.IdentityRef,
		Email:       m.Email,
		Role:        m.Role,
		Bucket:      seat.Bucket(m.Bucket),
		CreatedAt:   m.CreatedAt.UTC(),
	}, nil
}

// ==================== Audit models ====================

type auditModel struct {
	ID         string              `bson:"_id"`
	TenantID   string              `bson:"tenant_id"`
	Action     string              `bson:"action"`
	Resource   string              `bson:"resource"`
	ResourceID string              `bson:"resource_id"`
	Actor      string              `bson:"actor,omitempty"`
	Changes    []audit.FieldChange `bson:"changes"`
	At         time.Time           `bson:"at"`
}

func toAuditModel(e *audit.Entry) *auditModel {
	return &auditModel{
		ID:         e.ID.String(),
		TenantID:   e.TenantID,
		Action:     e.Action,
		Resource:   e.Resource,
		ResourceID: e.ResourceID,
		Actor:      e.Actor,
		Changes:    e.Changes,
		At:         e.At,
	}
}

func fromAuditModel(m *auditModel) (*audit.Entry, error) {
	auditID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, err
	}
	return &audit.Entry{
		ID:         auditID,
		TenantID:   m.TenantID,
		Action:     m.Action,
		Resource:   m.Resource,
		ResourceID: m.ResourceID,
		Actor:      m.Actor,
		Changes:    m.Changes,
		At:         m.At.UTC(),
	}, nil
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromOptTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
