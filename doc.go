// Package tally provides multi-tenant quota and usage accounting for
// logistics platforms.
//
// Tally is designed as a library with an optional daemon (cmd/tallyd). It
// provides:
//
//   - Monthly order quotas enforced atomically per tenant
//   - Seat limits per role bucket with a reserve/confirm/compensate saga
//   - A rescue reconciler that counts orders written around the enforcer
//   - Plan activation with billing cycle renewal dates
//   - Usage snapshots served through a pluggable cache
//   - Memory, SQLite, PostgreSQL and MongoDB stores
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/store/sqlite"
//	)
//
//	st, err := sqlite.Open("tally.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	t := tally.New(st,
//	    tally.WithDefaultCatalog(),
//	    tally.WithIdentityProvisioner(idp),
//	)
//	if err := t.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop()
//
// # Callers
//
// Every operation reads the caller from the context. Attach one with
// WithCaller; background jobs use SystemCaller.
//
//	ctx = tally.WithCaller(ctx, tally.Caller{
//	    Subject:  "user-42",
//	    TenantID: "acme",
//	    Role:     role,
//	})
//
// # Orders
//
// ReserveOrderSlot counts an order against the tenant's monthly allowance
// and records it in one transaction:
//
//	o, err := t.ReserveOrderSlot(ctx, &order.Request{TenantID: "acme"})
//	if tally.IsQuotaExceeded(err) {
//	    // tell the user the monthly limit is reached
//	}
//
// Orders inserted by other writers are counted by RunReconciler, which
// consumes an order.Feed. They are never rejected; orders that exceed the
// cap are flagged OverLimit.
//
// # Seats
//
// ReserveSeat counts a seat, provisions the identity and confirms the
// member. A failed provision releases the seat again:
//
//	g, err := t.ReserveSeat(ctx, &seat.Request{
//	    TenantID: "acme",
//	    Role:     "mensajero",
//	    Email:    "rider@acme.test",
//	})
//
// Role names accept the Spanish and English aliases; managers share the
// operator bucket. RecountSeats rebuilds the counters from members and
// live leases.
//
// # Errors
//
// ErrorCode classifies any returned error into the public taxonomy. The api
// package maps it onto HTTP and gRPC status codes.
//
// # Plugins
//
// Plugins implement any subset of the hook interfaces in package plugin.
// The observability and audit_hook packages provide metrics and audit
// trail plugins.
package tally
