// Package sqlstore implements store.Store on database/sql. The postgres and
// sqlite packages supply a Dialect and their schema migrations.
//
// Accounts and ledger entries carry a version column. Updates are guarded by
// the version read in the same transaction and first writes by the primary
// key, so a lost race surfaces as tally.ErrConflict even where the database
// would not detect it on its own.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/member"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/usage"
)

var _ store.Store = (*Store)(nil)

// Dialect adapts the shared queries to a database.
type Dialect struct {
	Name string

	// Placeholders rewrites "?" placeholders. Nil leaves them as is.
	Placeholders func(query string) string

	// TxOptions are passed to BeginTx for RunInTx.
	TxOptions *sql.TxOptions

	// IsConflict reports driver errors that mean the transaction lost a
	// race and may be retried.
	IsConflict func(err error) bool

	// IsDuplicate reports primary key and unique violations.
	IsDuplicate func(err error) bool
}

// Dollar rewrites "?" placeholders to "$1", "$2", ...
func Dollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements store.Store on a *sql.DB.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	migrations *Group
	logger     *slog.Logger
}

// New wraps db.
func New(db *sql.DB, d Dialect, migrations *Group, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dialect: d, migrations: migrations, logger: logger}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Logger returns the store logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

func (s *Store) q(query string) string {
	if s.dialect.Placeholders == nil {
		return query
	}
	return s.dialect.Placeholders(query)
}

// classify turns driver-level races into tally.ErrConflict.
func (s *Store) classify(err error) error {
	if err == nil || errors.Is(err, tally.ErrConflict) {
		return err
	}
	if s.dialect.IsConflict != nil && s.dialect.IsConflict(err) || s.isDuplicate(err) {
		return fmt.Errorf("%w: %w", tally.ErrConflict, err)
	}
	return err
}

func (s *Store) isDuplicate(err error) bool {
	return err != nil && s.dialect.IsDuplicate != nil && s.dialect.IsDuplicate(err)
}

// classifyCreate reports a duplicate id as tally.ErrAlreadyExists.
func (s *Store) classifyCreate(err error) error {
	if s.isDuplicate(err) {
		return fmt.Errorf("%w: %w", tally.ErrAlreadyExists, err)
	}
	return s.classify(err)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	ran, err := s.migrate(ctx)
	if err != nil {
		return fmt.Errorf("tally/%s: %w", s.dialect.Name, err)
	}
	if len(ran) > 0 {
		s.logger.Info("schema migrated", "dialect", s.dialect.Name, "migrations", ran)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.TxOptions)
	if err != nil {
		return s.classify(err)
	}

	if err := fn(ctx, &tx{s: s, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return s.classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.classify(err)
	}
	return nil
}

type tx struct {
	s  *Store
	tx *sql.Tx
}

func (t *tx) GetTenant(ctx context.Context, tenantID string) (*tenant.Account, error) {
	return t.s.getTenant(ctx, t.tx, tenantID)
}

func (t *tx) PutTenant(ctx context.Context, a *tenant.Account) error {
	l := a.Limits
	if l == nil {
		l = &plan.Limits{}
	}
	args := []any{
		a.PlanID, string(a.BillingCycle), a.Limits != nil,
		l.OrdersPerMonth, l.MessengerSeatsMax, l.OperatorSeatsMax, l.AdminSeatsMax, l.ConcurrentRoutesMax,
		a.SeatUsage.Messengers, a.SeatUsage.Operators, a.SeatUsage.Admins,
		nullTime(a.PlanActivatedAt), nullTime(a.PlanRenewalAt), a.UpdatedAt.UTC(),
	}

	if a.Version == 0 {
		_, err := t.tx.ExecContext(ctx, t.s.q(`
INSERT INTO tally_tenants (
    plan_id, billing_cycle, has_limits,
    orders_per_month, messenger_seats_max, operator_seats_max, admin_seats_max, concurrent_routes_max,
    seats_messengers, seats_operators, seats_admins,
    plan_activated_at, plan_renewal_at, updated_at,
    tenant_id, created_at, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`),
			append(args, a.TenantID, a.CreatedAt.UTC())...)
		if err != nil {
			return t.s.classify(err)
		}
		a.Version = 1
		return nil
	}

	res, err := t.tx.ExecContext(ctx, t.s.q(`
UPDATE tally_tenants SET
    plan_id = ?, billing_cycle = ?, has_limits = ?,
    orders_per_month = ?, messenger_seats_max = ?, operator_seats_max = ?, admin_seats_max = ?, concurrent_routes_max = ?,
    seats_messengers = ?, seats_operators = ?, seats_admins = ?,
    plan_activated_at = ?, plan_renewal_at = ?, updated_at = ?,
    version = version + 1
WHERE tenant_id = ? AND version = ?`),
		append(args, a.TenantID, a.Version)...)
	if err := expectOne(res, err, "tenant "+a.TenantID); err != nil {
		return t.s.classify(err)
	}
	a.Version++
	return nil
}

func (t *tx) GetUsage(ctx context.Context, tenantID, monthKey string) (*usage.Entry, error) {
	return t.s.getUsage(ctx, t.tx, tenantID, monthKey)
}

func (t *tx) PutUsage(ctx context.Context, e *usage.Entry) error {
	if e.Version == 0 {
		_, err := t.tx.ExecContext(ctx, t.s.q(`
INSERT INTO tally_usage (tenant_id, month_key, orders_count, updated_at, version)
VALUES (?, ?, ?, ?, 1)`),
			e.TenantID, e.MonthKey, e.OrdersCount, e.UpdatedAt.UTC())
		if err != nil {
			return t.s.classify(err)
		}
		e.Version = 1
		return nil
	}

	res, err := t.tx.ExecContext(ctx, t.s.q(`
UPDATE tally_usage SET orders_count = ?, updated_at = ?, version = version + 1
WHERE tenant_id = ? AND month_key = ? AND version = ?`),
		e.OrdersCount, e.UpdatedAt.UTC(), e.TenantID, e.MonthKey, e.Version)
	if err := expectOne(res, err, "usage "+e.TenantID+"/"+e.MonthKey); err != nil {
		return t.s.classify(err)
	}
	e.Version++
	return nil
}

func (t *tx) CreateOrder(ctx context.Context, o *order.Order) error {
	return t.s.insertOrder(ctx, t.tx, o)
}

func (t *tx) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return t.s.getOrder(ctx, t.tx, orderID)
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	fields, err := encodeJSON(o.Fields)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.s.q(`
UPDATE tally_orders SET counted_in_usage = ?, over_limit = ?, fields = ?
WHERE id = ?`),
		o.CountedInUsage, o.OverLimit, fields, o.ID.String())
	if err != nil {
		return t.s.classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tally.ErrOrderNotFound
	}
	return nil
}

func (t *tx) CreateLease(ctx context.Context, l *seat.Lease) error {
	_, err := t.tx.ExecContext(ctx, t.s.q(`
INSERT INTO tally_seat_leases (id, tenant_id, bucket, role, email, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		l.ID.String(), l.TenantID, string(l.Bucket), l.Role, l.Email, l.CreatedAt.UTC(), nullTime(l.ExpiresAt))
	return t.s.classifyCreate(err)
}

func (t *tx) GetLease(ctx context.Context, leaseID id.SeatID) (*seat.Lease, error) {
	l, err := scanLease(t.tx.QueryRowContext(ctx, t.s.q(`SELECT `+leaseColumns+` FROM tally_seat_leases WHERE id = ?`), leaseID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrLeaseNotFound
	}
	return l, t.s.classify(err)
}

func (t *tx) DeleteLease(ctx context.Context, leaseID id.SeatID) error {
	res, err := t.tx.ExecContext(ctx, t.s.q(`DELETE FROM tally_seat_leases WHERE id = ?`), leaseID.String())
	if err != nil {
		return t.s.classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tally.ErrLeaseNotFound
	}
	return nil
}

func (t *tx) ListLeases(ctx context.Context, tenantID string) ([]*seat.Lease, error) {
	rows, err := t.tx.QueryContext(ctx, t.s.q(`SELECT `+leaseColumns+` FROM tally_seat_leases WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, t.s.classify(err)
	}
	return collect(rows, scanLease)
}

func (t *tx) PutMember(ctx context.Context, m *member.Member) error {
	_, err := t.tx.ExecContext(ctx, t.s.q(`
INSERT INTO tally_members (id, tenant_id, identity_ref, email, role, bucket, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    identity_ref = excluded.identity_ref,
    email = excluded.email,
    role = excluded.role,
    bucket = excluded.bucket`),
		m.ID.String(), m.TenantID, m.IdentityRef, m.Email, m.Role, string(m.Bucket), m.CreatedAt.UTC())
	return t.s.classify(err)
}

func (t *tx) DeleteMember(ctx context.Context, tenantID string, memberID id.MemberID) error {
	res, err := t.tx.ExecContext(ctx, t.s.q(`DELETE FROM tally_members WHERE tenant_id = ? AND id = ?`), tenantID, memberID.String())
	if err != nil {
		return t.s.classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tally.ErrMemberNotFound
	}
	return nil
}

func (t *tx) ListMembers(ctx context.Context, tenantID string) ([]*member.Member, error) {
	return t.s.listMembers(ctx, t.tx, tenantID)
}

func (t *tx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	changes, err := encodeJSON(e.Changes)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.s.q(`
INSERT INTO tally_audit (id, tenant_id, action, resource, resource_id, actor, changes, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID.String(), e.TenantID, e.Action, e.Resource, e.ResourceID, e.Actor, changes, e.At.UTC())
	return t.s.classify(err)
}

// ──────────────────────────────────────────────────
// Plan catalog
// ──────────────────────────────────────────────────

const planColumns = `id, name, description, orders_per_month, messenger_seats_max, operator_seats_max, admin_seats_max, concurrent_routes_max, metadata, created_at, updated_at`

func (s *Store) UpsertPlan(ctx context.Context, p *plan.Plan) error {
	metadata, err := encodeJSON(p.Metadata)
	if err != nil {
		return err
	}
	l := p.Limits
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO tally_plans (`+planColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    description = excluded.description,
    orders_per_month = excluded.orders_per_month,
    messenger_seats_max = excluded.messenger_seats_max,
    operator_seats_max = excluded.operator_seats_max,
    admin_seats_max = excluded.admin_seats_max,
    concurrent_routes_max = excluded.concurrent_routes_max,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`),
		p.ID, p.Name, p.Description,
		l.OrdersPerMonth, l.MessengerSeatsMax, l.OperatorSeatsMax, l.AdminSeatsMax, l.ConcurrentRoutesMax,
		metadata, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, s.q(`SELECT `+planColumns+` FROM tally_plans WHERE id = ?`), planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrPlanNotFound
	}
	return p, err
}

func (s *Store) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM tally_plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPlan)
}

func scanPlan(row scanner) (*plan.Plan, error) {
	var (
		p        plan.Plan
		metadata string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description,
		&p.Limits.OrdersPerMonth, &p.Limits.MessengerSeatsMax, &p.Limits.OperatorSeatsMax, &p.Limits.AdminSeatsMax, &p.Limits.ConcurrentRoutesMax,
		&metadata, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

// ──────────────────────────────────────────────────
// Tenants and usage
// ──────────────────────────────────────────────────

const tenantColumns = `tenant_id, plan_id, billing_cycle, has_limits,
    orders_per_month, messenger_seats_max, operator_seats_max, admin_seats_max, concurrent_routes_max,
    seats_messengers, seats_operators, seats_admins,
    plan_activated_at, plan_renewal_at, created_at, updated_at, version`

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*tenant.Account, error) {
	return s.getTenant(ctx, s.db, tenantID)
}

func (s *Store) getTenant(ctx context.Context, q querier, tenantID string) (*tenant.Account, error) {
	a, err := scanTenant(q.QueryRowContext(ctx, s.q(`SELECT `+tenantColumns+` FROM tally_tenants WHERE tenant_id = ?`), tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrTenantNotFound
	}
	return a, s.classify(err)
}

func scanTenant(row scanner) (*tenant.Account, error) {
	var (
		a                  tenant.Account
		l                  plan.Limits
		cycle              string
		hasLimits          bool
		activated, renewal sql.NullTime
	)
	err := row.Scan(&a.TenantID, &a.PlanID, &cycle, &hasLimits,
		&l.OrdersPerMonth, &l.MessengerSeatsMax, &l.OperatorSeatsMax, &l.AdminSeatsMax, &l.ConcurrentRoutesMax,
		&a.SeatUsage.Messengers, &a.SeatUsage.Operators, &a.SeatUsage.Admins,
		&activated, &renewal, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err != nil {
		return nil, err
	}

	a.BillingCycle = plan.BillingCycle(cycle)
	if hasLimits {
		a.Limits = &l
	}
	a.PlanActivatedAt = fromNullTime(activated)
	a.PlanRenewalAt = fromNullTime(renewal)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return &a, nil
}

const usageColumns = `tenant_id, month_key, orders_count, updated_at, version`

func (s *Store) GetUsage(ctx context.Context, tenantID, monthKey string) (*usage.Entry, error) {
	return s.getUsage(ctx, s.db, tenantID, monthKey)
}

func (s *Store) getUsage(ctx context.Context, q querier, tenantID, monthKey string) (*usage.Entry, error) {
	e, err := scanUsage(q.QueryRowContext(ctx, s.q(`SELECT `+usageColumns+` FROM tally_usage WHERE tenant_id = ? AND month_key = ?`), tenantID, monthKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrUsageNotFound
	}
	return e, s.classify(err)
}

func (s *Store) ListUsage(ctx context.Context, tenantID string) ([]*usage.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+usageColumns+` FROM tally_usage WHERE tenant_id = ? ORDER BY month_key`), tenantID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanUsage)
}

func scanUsage(row scanner) (*usage.Entry, error) {
	var e usage.Entry
	if err := row.Scan(&e.TenantID, &e.MonthKey, &e.OrdersCount, &e.UpdatedAt, &e.Version); err != nil {
		return nil, err
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// ──────────────────────────────────────────────────
// Orders
// ──────────────────────────────────────────────────

const orderColumns = `id, tenant_id, created_at, source, counted_in_usage, over_limit, fields`

func (s *Store) insertOrder(ctx context.Context, q querier, o *order.Order) error {
	fields, err := encodeJSON(o.Fields)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, s.q(`INSERT INTO tally_orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		o.ID.String(), o.TenantID, o.CreatedAt.UTC(), string(o.Source), o.CountedInUsage, o.OverLimit, fields)
	return s.classifyCreate(err)
}

// InsertOrder implements store.Store.
func (s *Store) InsertOrder(ctx context.Context, o *order.Order) error {
	return s.insertOrder(ctx, s.db, o)
}

func (s *Store) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return s.getOrder(ctx, s.db, orderID)
}

func (s *Store) getOrder(ctx context.Context, q querier, orderID id.OrderID) (*order.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, s.q(`SELECT `+orderColumns+` FROM tally_orders WHERE id = ?`), orderID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrOrderNotFound
	}
	return o, s.classify(err)
}

func (s *Store) ListOrders(ctx context.Context, tenantID string, opts order.ListOpts) ([]*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM tally_orders WHERE tenant_id = ?`
	args := []any{tenantID}

	if opts.MonthKey != "" {
		start, err := usage.ParseMonthKey(opts.MonthKey)
		if err != nil {
			return nil, tally.ValidationError{Field: "month_key", Message: err.Error()}
		}
		query += ` AND created_at >= ? AND created_at < ?`
		args = append(args, start, start.AddDate(0, 1, 0))
	}
	if opts.OnlyOverLimit {
		query += ` AND over_limit = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at, id` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOrder)
}

// UncountedOrders returns up to limit orders the reconciler has not counted
// yet, oldest first.
func (s *Store) UncountedOrders(ctx context.Context, limit int) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+orderColumns+` FROM tally_orders WHERE counted_in_usage = ? ORDER BY created_at, id`+limitOffset(limit, 0)),
		false)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOrder)
}

func scanOrder(row scanner) (*order.Order, error) {
	var (
		o             order.Order
		rawID, source string
		fields        string
	)
	if err := row.Scan(&rawID, &o.TenantID, &o.CreatedAt, &source, &o.CountedInUsage, &o.OverLimit, &fields); err != nil {
		return nil, err
	}
	var err error
	if o.ID, err = id.ParseOrderID(rawID); err != nil {
		return nil, err
	}
	o.Source = order.Source(source)
	o.CreatedAt = o.CreatedAt.UTC()
	if err := decodeJSON(fields, &o.Fields); err != nil {
		return nil, err
	}
	return &o, nil
}

// ──────────────────────────────────────────────────
// Seat leases and members
// ──────────────────────────────────────────────────

const leaseColumns = `id, tenant_id, bucket, role, email, created_at, expires_at`

func (s *Store) ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*seat.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+leaseColumns+` FROM tally_seat_leases WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at`+limitOffset(limit, 0)),
		before.UTC())
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLease)
}

func scanLease(row scanner) (*seat.Lease, error) {
	var (
		l             seat.Lease
		rawID, bucket string
		expires       sql.NullTime
	)
	if err := row.Scan(&rawID, &l.TenantID, &bucket, &l.Role, &l.Email, &l.CreatedAt, &expires); err != nil {
		return nil, err
	}
	var err error
	if l.ID, err = id.ParseSeatID(rawID); err != nil {
		return nil, err
	}
	l.Bucket = seat.Bucket(bucket)
	l.CreatedAt = l.CreatedAt.UTC()
	l.ExpiresAt = fromNullTime(expires)
	return &l, nil
}

const memberColumns = `id, tenant_id, identity_ref, email, role, bucket, created_at`

func (s *Store) ListMembers(ctx context.Context, tenantID string) ([]*member.Member, error) {
	return s.listMembers(ctx, s.db, tenantID)
}

func (s *Store) listMembers(ctx context.Context, q querier, tenantID string) ([]*member.Member, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT `+memberColumns+` FROM tally_members WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, s.classify(err)
	}
	return collect(rows, scanMember)
}

func scanMember(row scanner) (*member.Member, error) {
	var (
		m             member.Member
		rawID, bucket string
	)
	if err := row.Scan(&rawID, &m.TenantID, &m.IdentityRef, &m.Email, &m.Role, &bucket, &m.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = id.ParseMemberID(rawID); err != nil {
		return nil, err
	}
	m.Bucket = seat.Bucket(bucket)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// ──────────────────────────────────────────────────
// Audit trail
// ──────────────────────────────────────────────────

func (s *Store) ListAudit(ctx context.Context, tenantID string, opts audit.ListOpts) ([]*audit.Entry, error) {
	query := `SELECT id, tenant_id, action, resource, resource_id, actor, changes, at FROM tally_audit WHERE tenant_id = ?`
	args := []any{tenantID}
	if opts.Action != "" {
		query += ` AND action = ?`
		args = append(args, opts.Action)
	}
	query += ` ORDER BY at, id` + limitOffset(opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAudit)
}

func scanAudit(row scanner) (*audit.Entry, error) {
	var (
		e              audit.Entry
		rawID, changes string
	)
	if err := row.Scan(&rawID, &e.TenantID, &e.Action, &e.Resource, &e.ResourceID, &e.Actor, &changes, &e.At); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = id.ParseAuditID(rawID); err != nil {
		return nil, err
	}
	e.At = e.At.UTC()
	if err := decodeJSON(changes, &e.Changes); err != nil {
		return nil, err
	}
	return &e, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]*T, error) {
	defer rows.Close()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// expectOne turns a zero-row guarded update into a conflict.
func expectOne(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s was modified concurrently", tally.ErrConflict, what)
	}
	return nil
}

func limitOffset(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		// LIMIT -1 is not portable; a large limit is.
		return fmt.Sprintf(" LIMIT %d OFFSET %d", int64(1)<<62, offset)
	default:
		return ""
	}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
