package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/identity"
	"github.com/xraph/tally/member"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/tenant"
)

// Reasons reported to OnSeatReleased.
const (
	ReleaseDeleted     = "deleted"
	ReleaseCompensated = "compensated"
	ReleaseExpired     = "expired"
)

// ReserveSeat runs the seat reservation saga: count the seat and write a
// lease, provision the identity, then confirm. If provisioning or confirming
// fails the seat is released again and the provisioning error is returned.
func (t *Tally) ReserveSeat(ctx context.Context, req *seat.Request) (*seat.Grant, error) {
	if _, err := authorize(ctx, req.TenantID, true); err != nil {
		return nil, err
	}

	role, ok := seat.ParseRole(req.Role)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, ValidationError{Field: "email", Message: "email is required"}
	}
	if t.identity == nil {
		return nil, errors.New("tally: no identity provisioner configured")
	}

	lease, err := t.reserveSeat(ctx, req, role)
	if err != nil {
		var ex *SeatExhaustedError
		if errors.As(err, &ex) {
			t.plugins.EmitSeatExhausted(ctx, ex.TenantID, ex.Bucket, ex.Limit)
		}
		return nil, err
	}

	grant, err := t.provisionAndConfirm(ctx, req, role, lease)
	if err != nil {
		t.compensate(ctx, lease)
		return nil, err
	}

	grant.ResetLink = t.resetLink(ctx, grant.IdentityRef)

	t.invalidate(ctx, req.TenantID)
	t.plugins.EmitSeatReserved(ctx, grant)
	t.logger.Info("seat reserved",
		"tenant_id", req.TenantID,
		"bucket", role.Bucket,
		"role", role.Name,
		"member_id", grant.MemberID.String(),
	)

	return grant, nil
}

// reserveSeat is the first saga step.
func (t *Tally) reserveSeat(ctx context.Context, req *seat.Request, role seat.Role) (*seat.Lease, error) {
	var lease *seat.Lease
	err := t.inTx(ctx, "reserve_seat", func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetTenant(ctx, req.TenantID)
		if err != nil {
			return err
		}

		used := acct.SeatUsage.Get(role.Bucket)
		limit := acct.SeatsMax(role.Bucket)
		if !plan.Admits(limit, used) {
			return &SeatExhaustedError{TenantID: req.TenantID, Bucket: role.Bucket, Limit: limit}
		}

		now := t.now()
		acct.SeatUsage.Add(role.Bucket, 1)
		acct.TouchAt(now)
		if err := tx.PutTenant(ctx, acct); err != nil {
			return err
		}

		l := &seat.Lease{
			ID:        id.NewSeatID(),
			TenantID:  req.TenantID,
			Bucket:    role.Bucket,
			Role:      role.Name,
			Email:     req.Email,
			CreatedAt: now,
		}
		if t.seatLeaseTTL > 0 {
			l.ExpiresAt = now.Add(t.seatLeaseTTL)
		}
		if err := tx.CreateLease(ctx, l); err != nil {
			return err
		}

		changes := []audit.FieldChange{{Field: string(role.Bucket), Old: used, New: used + 1}}
		if err := tx.AppendAudit(ctx, t.auditEntry(ctx, req.TenantID, audit.ActionSeatReserved, "seat", l.ID.String(), changes)); err != nil {
			return err
		}

		lease = l
		return nil
	})
	return lease, err
}

// provisionAndConfirm is the external step followed by the confirm step.
func (t *Tally) provisionAndConfirm(ctx context.Context, req *seat.Request, role seat.Role, lease *seat.Lease) (*seat.Grant, error) {
	ident, err := t.identity.Provision(ctx, &identity.Request{
		TenantID:    req.TenantID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		if errors.Is(err, identity.ErrBoundElsewhere) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		}
		return nil, fmt.Errorf("tally: provision identity: %w", err)
	}

	claims := identity.Claims{TenantID: req.TenantID, Role: role.Name, Bucket: string(role.Bucket)}
	if err := t.identity.AssignRole(ctx, ident.Ref, claims); err != nil {
		return nil, fmt.Errorf("tally: assign role: %w", err)
	}

	m := &member.Member{
		ID:          id.NewMemberID(),
		TenantID:    req.TenantID,
		IdentityRef: ident.Ref,
		Email:       req.Email,
		Role:        role.Name,
		Bucket:      role.Bucket,
		CreatedAt:   t.now(),
	}

	err = t.inTx(ctx, "confirm_seat", func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetLease(ctx, lease.ID); err != nil {
			if errors.Is(err, ErrLeaseNotFound) {
				return ErrLeaseExpired
			}
			return err
		}
		if err := tx.DeleteLease(ctx, lease.ID); err != nil {
			return err
		}
		return tx.PutMember(ctx, m)
	})
	if err != nil {
		t.revokeClaims(ctx, ident.Ref, claims)
		return nil, err
	}

	return &seat.Grant{
		SeatID:      lease.ID,
		MemberID:    m.ID,
		TenantID:    req.TenantID,
		Role:        role,
		IdentityRef: ident.Ref,
	}, nil
}

// revokeClaims takes back the claims of a seat that was not confirmed, when
// the identity system supports it. Failures are only logged.
func (t *Tally) revokeClaims(ctx context.Context, ref string, claims identity.Claims) {
	revoker, ok := t.identity.(identity.Revoker)
	if !ok {
		return
	}
	ctx, cancel := t.detached(ctx)
	defer cancel()

	if err := revoker.RevokeRole(ctx, ref, claims); err != nil {
		t.logger.Error("role revocation failed",
			"tenant_id", claims.TenantID,
			"identity_ref", ref,
			"role", claims.Role,
			"error", err,
		)
	}
}

// compensate releases a lease after a failed saga. Its own failure is only
// logged; the recount or the lease sweeper repairs what it leaves behind.
func (t *Tally) compensate(ctx context.Context, lease *seat.Lease) {
	ctx, cancel := t.detached(ctx)
	defer cancel()

	if _, err := t.releaseLease(ctx, lease, ReleaseCompensated); err != nil {
		t.logger.Error("seat compensation failed",
			"tenant_id", lease.TenantID,
			"bucket", lease.Bucket,
			"seat_id", lease.ID.String(),
			"error", err,
		)
	}
}

// releaseLease decrements the lease's bucket and deletes the lease. A lease
// that is already gone has been released by someone else and is left alone.
func (t *Tally) releaseLease(ctx context.Context, lease *seat.Lease, reason string) (bool, error) {
	action := audit.ActionSeatReleased
	if reason == ReleaseExpired {
		action = audit.ActionSeatExpired
	}

	released := false
	err := t.inTx(ctx, "release_seat_lease", func(ctx context.Context, tx store.Tx) error {
		released = false
		if _, err := tx.GetLease(ctx, lease.ID); err != nil {
			if errors.Is(err, ErrLeaseNotFound) {
				return nil
			}
			return err
		}

		acct, err := tx.GetTenant(ctx, lease.TenantID)
		if err != nil {
			return err
		}
		before := acct.SeatUsage.Get(lease.Bucket)
		acct.SeatUsage.Add(lease.Bucket, -1)
		acct.TouchAt(t.now())
		if err := tx.PutTenant(ctx, acct); err != nil {
			return err
		}
		if err := tx.DeleteLease(ctx, lease.ID); err != nil {
			return err
		}

		changes := []audit.FieldChange{{Field: string(lease.Bucket), Old: before, New: acct.SeatUsage.Get(lease.Bucket)}}
		if err := tx.AppendAudit(ctx, t.auditEntry(ctx, lease.TenantID, action, "seat", lease.ID.String(), changes)); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if released {
		t.invalidate(ctx, lease.TenantID)
		t.plugins.EmitSeatReleased(ctx, lease.TenantID, lease.Bucket, reason)
	}
	return released, nil
}

// resetLink asks the identity system for a password reset link when it can
// issue one. Failures are logged and reported in the result.
func (t *Tally) resetLink(ctx context.Context, ref string) identity.Result[string] {
	linker, ok := t.identity.(identity.ResetLinker)
	if !ok {
		return identity.Result[string]{}
	}
	link, err := linker.ResetLink(ctx, ref)
	if err != nil {
		t.logger.Warn("password reset link failed",
			"identity_ref", ref,
			"error", err,
		)
		return identity.Failed[string](err)
	}
	return identity.Ok(link)
}

// ReleaseSeat frees one seat of the role's bucket, for example after a user
// is deleted. The counter never goes below zero. When MemberID is set the
// member record is removed in the same transaction.
func (t *Tally) ReleaseSeat(ctx context.Context, req *seat.ReleaseRequest) error {
	if _, err := authorize(ctx, req.TenantID, true); err != nil {
		return err
	}
	role, ok := seat.ParseRole(req.Role)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}

	err := t.inTx(ctx, "release_seat", func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetTenant(ctx, req.TenantID)
		if err != nil {
			return err
		}

		before := acct.SeatUsage.Get(role.Bucket)
		acct.SeatUsage.Add(role.Bucket, -1)
		acct.TouchAt(t.now())
		if err := tx.PutTenant(ctx, acct); err != nil {
			return err
		}

		resourceID := string(role.Bucket)
		if !req.MemberID.IsNil() {
			resourceID = req.MemberID.String()
			if err := tx.DeleteMember(ctx, req.TenantID, req.MemberID); err != nil && !errors.Is(err, ErrMemberNotFound) {
				return err
			}
		}

		changes := []audit.FieldChange{{Field: string(role.Bucket), Old: before, New: acct.SeatUsage.Get(role.Bucket)}}
		return tx.AppendAudit(ctx, t.auditEntry(ctx, req.TenantID, audit.ActionSeatReleased, "seat", resourceID, changes))
	})
	if err != nil {
		return err
	}

	t.invalidate(ctx, req.TenantID)
	t.plugins.EmitSeatReleased(ctx, req.TenantID, role.Bucket, ReleaseDeleted)
	return nil
}

// RecountSeats rebuilds the tenant's seat usage from its member records and
// its live leases. Expired leases are dropped. Running it twice without
// intervening changes yields the same counts and writes nothing the second
// time.
func (t *Tally) RecountSeats(ctx context.Context, tenantID string) (tenant.SeatUsage, error) {
	if _, err := authorize(ctx, tenantID, true); err != nil {
		return tenant.SeatUsage{}, err
	}

	var before, after tenant.SeatUsage
	err := t.inTx(ctx, "recount_seats", func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}

		now := t.now()
		counted, expired, err := countSeats(ctx, tx, tenantID, now, true)
		if err != nil {
			return err
		}

		before, after = acct.SeatUsage, counted
		if before == after && expired == 0 {
			return nil
		}

		acct.SeatUsage = counted
		acct.TouchAt(now)
		if err := tx.PutTenant(ctx, acct); err != nil {
			return err
		}

		changes := audit.Diff(seatFields(before), seatFields(after))
		return tx.AppendAudit(ctx, t.auditEntry(ctx, tenantID, audit.ActionSeatRecounted, "tenant", tenantID, changes))
	})
	if err != nil {
		return tenant.SeatUsage{}, err
	}

	if before != after {
		t.invalidate(ctx, tenantID)
	}
	t.plugins.EmitSeatsRecounted(ctx, tenantID, before, after)
	return after, nil
}

// ReleaseExpiredLeases releases every lease that expired before now. It is a
// maintenance job and performs no caller checks. It returns the number of
// seats released.
func (t *Tally) ReleaseExpiredLeases(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	leases, err := t.store.ListExpiredLeases(ctx, t.now(), batch)
	if err != nil {
		return 0, err
	}

	ctx = WithCaller(ctx, SystemCaller("lease-sweeper"))
	released := 0
	var errs []error
	for _, l := range leases {
		ok, err := t.releaseLease(ctx, l, ReleaseExpired)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", l.ID, err))
			continue
		}
		if ok {
			released++
		}
	}

	if released > 0 {
		t.logger.Info("expired seat leases released", "count", released)
	}
	return released, errors.Join(errs...)
}

// countSeats tallies members per bucket plus unexpired leases. Manager
// members count against the operator bucket whatever bucket was stored.
// When prune is set, expired leases are deleted.
func countSeats(ctx context.Context, tx store.Tx, tenantID string, now time.Time, prune bool) (tenant.SeatUsage, int, error) {
	var counted tenant.SeatUsage

	members, err := tx.ListMembers(ctx, tenantID)
	if err != nil {
		return counted, 0, err
	}
	for _, m := range members {
		b := m.Bucket
		if r, ok := seat.ParseRole(m.Role); ok {
			b = r.Bucket
		}
		counted.Add(b, 1)
	}

	leases, err := tx.ListLeases(ctx, tenantID)
	if err != nil {
		return counted, 0, err
	}
	expired := 0
	for _, l := range leases {
		if !l.Expired(now) {
			counted.Add(l.Bucket, 1)
			continue
		}
		if prune {
			if err := tx.DeleteLease(ctx, l.ID); err != nil {
				return counted, 0, err
			}
			expired++
		}
	}

	return counted, expired, nil
}

func seatFields(u tenant.SeatUsage) map[string]any {
	return map[string]any{
		string(seat.Messengers): u.Messengers,
		string(seat.Operators):  u.Operators,
		string(seat.Admins):     u.Admins,
	}
}
