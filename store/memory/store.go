// Package memory implements store.Store in process memory.
//
// Transactions are optimistic: a transaction records the version of every
// document and member set it reads, buffers its writes, and validates the
// recorded versions under the store lock at commit. Any mismatch aborts the
// commit with tally.ErrConflict.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/member"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/snapshot"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/usage"
)

// Compile-time interface checks.
var (
	_ store.Store    = (*Store)(nil)
	_ snapshot.Cache = (*Store)(nil)
	_ order.Feed     = (*Store)(nil)
)

type record struct {
	val any
	ver uint64
	set string
}

type Store struct {
	mu     sync.RWMutex
	closed bool
	seq    uint64

	plans  map[string]*plan.Plan
	docs   map[string]record
	sets   map[string]map[string]struct{}
	setVer map[string]uint64
	audits []*audit.Entry

	// Snapshot cache
	snapshots map[string]cachedSnapshot

	// Order feed
	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

type cachedSnapshot struct {
	snap    *snapshot.Snapshot
	expires time.Time
}

func New() *Store {
	return &Store{
		plans:     make(map[string]*plan.Plan),
		docs:      make(map[string]record),
		sets:      make(map[string]map[string]struct{}),
		setVer:    make(map[string]uint64),
		snapshots: make(map[string]cachedSnapshot),
		subs:      make(map[*subscriber]struct{}),
	}
}

// ──────────────────────────────────────────────────
// Keys
// ──────────────────────────────────────────────────

func tenantKey(tenantID string) string       { return "tenant/" + tenantID }
func usageKey(tenantID, month string) string { return "usage/" + tenantID + "/" + month }
func orderKey(orderID id.OrderID) string     { return "order/" + orderID.String() }
func leaseKey(leaseID id.SeatID) string      { return "lease/" + leaseID.String() }
func memberKey(tenantID string, memberID id.MemberID) string {
	return "member/" + tenantID + "/" + memberID.String()
}

func usageSet(tenantID string) string  { return "usage/" + tenantID }
func orderSet(tenantID string) string  { return "orders/" + tenantID }
func leaseSet(tenantID string) string  { return "leases/" + tenantID }
func memberSet(tenantID string) string { return "members/" + tenantID }

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

type write struct {
	set string
	val any
}

type tx struct {
	s       *Store
	reads   map[string]uint64
	writes  map[string]*write
	order   []string
	audits  []*audit.Entry
	created []*order.Order
}

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &tx{
		s:      s,
		reads:  make(map[string]uint64),
		writes: make(map[string]*write),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tally.ErrStoreClosed
	}

	for key, ver := range t.reads {
		var current uint64
		if set, ok := strings.CutPrefix(key, "#"); ok {
			current = s.setVer[set]
		} else {
			current = s.docs[key].ver
		}
		if current != ver {
			s.mu.Unlock()
			return fmt.Errorf("tally/memory: %s changed: %w", key, tally.ErrConflict)
		}
	}

	for _, key := range t.order {
		w := t.writes[key]
		s.seq++
		_, existed := s.docs[key]

		if w.val == nil {
			if existed {
				delete(s.docs, key)
				if w.set != "" {
					delete(s.sets[w.set], key)
					s.setVer[w.set] = s.seq
				}
			}
			continue
		}

		s.docs[key] = record{val: w.val, ver: s.seq, set: w.set}
		if !existed && w.set != "" {
			if s.sets[w.set] == nil {
				s.sets[w.set] = make(map[string]struct{})
			}
			s.sets[w.set][key] = struct{}{}
			s.setVer[w.set] = s.seq
		}
	}
	s.audits = append(s.audits, t.audits...)
	s.mu.Unlock()

	for _, o := range t.created {
		s.publish(order.NewEvent(o))
	}
	return nil
}

// get returns a private copy of the document at key, recording the version
// read.
func (t *tx) get(key string) (any, bool) {
	if w, ok := t.writes[key]; ok {
		if w.val == nil {
			return nil, false
		}
		return cloneVal(w.val), true
	}

	t.s.mu.RLock()
	r, ok := t.s.docs[key]
	t.s.mu.RUnlock()

	if _, seen := t.reads[key]; !seen {
		t.reads[key] = r.ver
	}
	if !ok {
		return nil, false
	}
	return withVersion(cloneVal(r.val), r.ver), true
}

func (t *tx) put(key, set string, val any) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = &write{set: set, val: cloneVal(val)}
}

func (t *tx) del(key, set string) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = &write{set: set}
}

// list returns every document of a set, including this transaction's
// pending writes, sorted by key.
func (t *tx) list(set string) []any {
	t.s.mu.RLock()
	keys := slices.Collect(maps.Keys(t.s.sets[set]))
	ver := t.s.setVer[set]
	t.s.mu.RUnlock()

	if _, seen := t.reads["#"+set]; !seen {
		t.reads["#"+set] = ver
	}

	for key, w := range t.writes {
		if w.set == set && w.val != nil && !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	out := make([]any, 0, len(keys))
	for _, key := range keys {
		if v, ok := t.get(key); ok {
			out = append(out, v)
		}
	}
	return out
}

func (t *tx) GetTenant(_ context.Context, tenantID string) (*tenant.Account, error) {
	v, ok := t.get(tenantKey(tenantID))
	if !ok {
		return nil, tally.ErrTenantNotFound
	}
	return v.(*tenant.Account), nil
}

func (t *tx) PutTenant(_ context.Context, a *tenant.Account) error {
	t.put(tenantKey(a.TenantID), "", a)
	return nil
}

func (t *tx) GetUsage(_ context.Context, tenantID, monthKey string) (*usage.Entry, error) {
	v, ok := t.get(usageKey(tenantID, monthKey))
	if !ok {
		return nil, tally.ErrUsageNotFound
	}
	return v.(*usage.Entry), nil
}

func (t *tx) PutUsage(_ context.Context, e *usage.Entry) error {
	t.put(usageKey(e.TenantID, e.MonthKey), usageSet(e.TenantID), e)
	return nil
}

func (t *tx) CreateOrder(_ context.Context, o *order.Order) error {
	key := orderKey(o.ID)
	if _, exists := t.get(key); exists {
		return tally.ErrAlreadyExists
	}
	t.put(key, orderSet(o.TenantID), o)
	t.created = append(t.created, o)
	return nil
}

func (t *tx) GetOrder(_ context.Context, orderID id.OrderID) (*order.Order, error) {
	v, ok := t.get(orderKey(orderID))
	if !ok {
		return nil, tally.ErrOrderNotFound
	}
	return v.(*order.Order), nil
}

func (t *tx) UpdateOrder(_ context.Context, o *order.Order) error {
	key := orderKey(o.ID)
	if _, exists := t.get(key); !exists {
		return tally.ErrOrderNotFound
	}
	t.put(key, orderSet(o.TenantID), o)
	return nil
}

func (t *tx) CreateLease(_ context.Context, l *seat.Lease) error {
	key := leaseKey(l.ID)
	if _, exists := t.get(key); exists {
		return tally.ErrAlreadyExists
	}
	t.put(key, leaseSet(l.TenantID), l)
	return nil
}

func (t *tx) GetLease(_ context.Context, leaseID id.SeatID) (*seat.Lease, error) {
	v, ok := t.get(leaseKey(leaseID))
	if !ok {
		return nil, tally.ErrLeaseNotFound
	}
	return v.(*seat.Lease), nil
}

func (t *tx) DeleteLease(_ context.Context, leaseID id.SeatID) error {
	key := leaseKey(leaseID)
	v, ok := t.get(key)
	if !ok {
		return tally.ErrLeaseNotFound
	}
	t.del(key, leaseSet(v.(*seat.Lease).TenantID))
	return nil
}

func (t *tx) ListLeases(_ context.Context, tenantID string) ([]*seat.Lease, error) {
	vals := t.list(leaseSet(tenantID))
	out := make([]*seat.Lease, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(*seat.Lease))
	}
	return out, nil
}

func (t *tx) PutMember(_ context.Context, m *member.Member) error {
	t.put(memberKey(m.TenantID, m.ID), memberSet(m.TenantID), m)
	return nil
}

func (t *tx) DeleteMember(_ context.Context, tenantID string, memberID id.MemberID) error {
	key := memberKey(tenantID, memberID)
	if _, ok := t.get(key); !ok {
		return tally.ErrMemberNotFound
	}
	t.del(key, memberSet(tenantID))
	return nil
}

func (t *tx) ListMembers(_ context.Context, tenantID string) ([]*member.Member, error) {
	vals := t.list(memberSet(tenantID))
	out := make([]*member.Member, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(*member.Member))
	}
	return out, nil
}

func (t *tx) AppendAudit(_ context.Context, e *audit.Entry) error {
	c := *e
	c.Changes = slices.Clone(e.Changes)
	t.audits = append(t.audits, &c)
	return nil
}

// ──────────────────────────────────────────────────
// Plan catalog
// ──────────────────────────────────────────────────

func (s *Store) UpsertPlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.plans[p.ID]; ok && !existing.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID]; ok {
		return p.Clone(), nil
	}
	return nil, tally.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b *plan.Plan) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// ──────────────────────────────────────────────────
// Read paths
// ──────────────────────────────────────────────────

func (s *Store) doc(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.docs[key]
	if !ok {
		return nil, false
	}
	return withVersion(cloneVal(r.val), r.ver), true
}

func (s *Store) setDocs(set string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(s.sets[set]))
	out := make([]any, 0, len(keys))
	for _, key := range keys {
		r := s.docs[key]
		out = append(out, withVersion(cloneVal(r.val), r.ver))
	}
	return out
}

func (s *Store) GetTenant(_ context.Context, tenantID string) (*tenant.Account, error) {
	v, ok := s.doc(tenantKey(tenantID))
	if !ok {
		return nil, tally.ErrTenantNotFound
	}
	return v.(*tenant.Account), nil
}

func (s *Store) GetUsage(_ context.Context, tenantID, monthKey string) (*usage.Entry, error) {
	v, ok := s.doc(usageKey(tenantID, monthKey))
	if !ok {
		return nil, tally.ErrUsageNotFound
	}
	return v.(*usage.Entry), nil
}

func (s *Store) ListUsage(_ context.Context, tenantID string) ([]*usage.Entry, error) {
	vals := s.setDocs(usageSet(tenantID))
	out := make([]*usage.Entry, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(*usage.Entry))
	}
	return out, nil
}

func (s *Store) GetOrder(_ context.Context, orderID id.OrderID) (*order.Order, error) {
	v, ok := s.doc(orderKey(orderID))
	if !ok {
		return nil, tally.ErrOrderNotFound
	}
	return v.(*order.Order), nil
}

func (s *Store) ListOrders(_ context.Context, tenantID string, opts order.ListOpts) ([]*order.Order, error) {
	vals := s.setDocs(orderSet(tenantID))
	out := make([]*order.Order, 0, len(vals))
	for _, v := range vals {
		o := v.(*order.Order)
		if opts.MonthKey != "" && usage.MonthKey(o.CreatedAt) != opts.MonthKey {
			continue
		}
		if opts.OnlyOverLimit && !o.OverLimit {
			continue
		}
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b *order.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) ListMembers(_ context.Context, tenantID string) ([]*member.Member, error) {
	vals := s.setDocs(memberSet(tenantID))
	out := make([]*member.Member, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(*member.Member))
	}
	return out, nil
}

func (s *Store) ListAudit(_ context.Context, tenantID string, opts audit.ListOpts) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	for _, e := range s.audits {
		if e.TenantID != tenantID {
			continue
		}
		if opts.Action != "" && e.Action != opts.Action {
			continue
		}
		c := *e
		c.Changes = slices.Clone(e.Changes)
		out = append(out, &c)
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) ListExpiredLeases(_ context.Context, before time.Time, limit int) ([]*seat.Lease, error) {
	s.mu.RLock()
	var out []*seat.Lease
	for key, r := range s.docs {
		if !strings.HasPrefix(key, "lease/") {
			continue
		}
		l := r.val.(*seat.Lease)
		if l.Expired(before) {
			c := *l
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *seat.Lease) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return paginate(out, 0, limit), nil
}

func (s *Store) InsertOrder(ctx context.Context, o *order.Order) error {
	return s.RunInTx(ctx, func(ctx context.Context, t store.Tx) error {
		return t.CreateOrder(ctx, o)
	})
}

// ──────────────────────────────────────────────────
// Snapshot cache
// ──────────────────────────────────────────────────

func (s *Store) GetCached(_ context.Context, tenantID, monthKey string) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.snapshots[tenantID]
	if !ok || c.snap.MonthKey != monthKey || time.Now().After(c.expires) {
		return nil, snapshot.ErrMiss
	}
	snap := *c.snap
	return &snap, nil
}

func (s *Store) SetCached(_ context.Context, snap *snapshot.Snapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	s.snapshots[snap.TenantID] = cachedSnapshot{snap: &c, expires: time.Now().Add(ttl)}
	return nil
}

func (s *Store) Invalidate(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, tenantID)
	return nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func cloneVal(v any) any {
	switch x := v.(type) {
	case *tenant.Account:
		c := *x
		if x.Limits != nil {
			l := *x.Limits
			c.Limits = &l
		}
		return &c
	case *usage.Entry:
		c := *x
		return &c
	case *order.Order:
		c := *x
		c.Fields = maps.Clone(x.Fields)
		return &c
	case *seat.Lease:
		c := *x
		return &c
	case *member.Member:
		c := *x
		return &c
	default:
		panic(fmt.Sprintf("tally/memory: unsupported document type %T", v))
	}
}

func withVersion(v any, ver uint64) any {
	switch x := v.(type) {
	case *tenant.Account:
		x.Version = int64(ver)
	case *usage.Entry:
		x.Version = int64(ver)
	}
	return v
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
