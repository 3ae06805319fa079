// Package api exposes the Tally engine over HTTP.
//
// Every route is tenant-scoped and requires a bearer JWT. Engine errors are
// returned as {code, message, limit?, bucket?} with the HTTP status of their
// code.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/snapshot"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/usage"
)

// Engine is the part of *tally.Tally the handlers call.
type Engine interface {
	ReserveOrderSlot(ctx context.Context, req *order.Request) (*order.Order, error)
	ReserveSeat(ctx context.Context, req *seat.Request) (*seat.Grant, error)
	ReleaseSeat(ctx context.Context, req *seat.ReleaseRequest) error
	ActivatePlan(ctx context.Context, req *tenant.ActivateRequest) (*tenant.Activation, error)
	GetUsageSnapshot(ctx context.Context, tenantID string) (*snapshot.Snapshot, error)
	RecountSeats(ctx context.Context, tenantID string) (tenant.SeatUsage, error)
}

var _ Engine = (*tally.Tally)(nil)

// Handlers serves the RPC surface.
type Handlers struct {
	engine  Engine
	auth    *Authenticator
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) { h.logger = l }
}

// WithMetrics records request metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handlers) { h.metrics = m }
}

// NewHandlers creates handlers for engine.
func NewHandlers(engine Engine, auth *Authenticator, opts ...Option) *Handlers {
	h := &Handlers{engine: engine, auth: auth, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the tenant routes on r.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/v1/tenants/{tenantID}").Subrouter()
	v1.Use(withRequestID, observe(h.logger, h.metrics), h.auth.Middleware)

	v1.HandleFunc("/orders", h.ReserveOrderSlot).Methods(http.MethodPost)
	v1.HandleFunc("/seats/recount", h.RecountSeats).Methods(http.MethodPost)
	v1.HandleFunc("/seats", h.ReserveSeat).Methods(http.MethodPost)
	v1.HandleFunc("/seats/{role}", h.ReleaseSeat).Methods(http.MethodDelete)
	v1.HandleFunc("/plan", h.ActivatePlan).Methods(http.MethodPut)
	v1.HandleFunc("/usage", h.GetUsageSnapshot).Methods(http.MethodGet)
}

// Router returns a new router with the tenant routes registered.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

type orderRequest struct {
	Fields map[string]any `json:"fields,omitempty"`
}

type orderResponse struct {
	OrderID  string `json:"orderId"`
	MonthKey string `json:"monthKey"`
}

// ReserveOrderSlot handles POST /v1/tenants/{tenantID}/orders.
func (h *Handlers) ReserveOrderSlot(w http.ResponseWriter, r *http.Request) {
	var body orderRequest
	if !decodeBody(w, r, &body, true) {
		return
	}

	o, err := h.engine.ReserveOrderSlot(r.Context(), &order.Request{
		TenantID: mux.Vars(r)["tenantID"],
		Fields:   body.Fields,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{OrderID: o.ID.String(), MonthKey: usage.MonthKey(o.CreatedAt)})
}

type seatRequest struct {
	Role        string `json:"role"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type seatResponse struct {
	SeatID      string `json:"seatId"`
	IdentityRef string `json:"identityRef"`
	MemberID    string `json:"memberId"`
	ResetLink   string `json:"resetLink,omitempty"`
}

// ReserveSeat handles POST /v1/tenants/{tenantID}/seats.
func (h *Handlers) ReserveSeat(w http.ResponseWriter, r *http.Request) {
	var body seatRequest
	if !decodeBody(w, r, &body, false) {
		return
	}

	g, err := h.engine.ReserveSeat(r.Context(), &seat.Request{
		TenantID:    mux.Vars(r)["tenantID"],
		Role:        body.Role,
		Email:       body.Email,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := seatResponse{SeatID: g.SeatID.String(), IdentityRef: g.IdentityRef, MemberID: g.MemberID.String()}
	if link, ok := g.ResetLink.Get(); ok {
		resp.ResetLink = link
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ReleaseSeat handles DELETE /v1/tenants/{tenantID}/seats/{role}?memberId=.
func (h *Handlers) ReleaseSeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := &seat.ReleaseRequest{TenantID: vars["tenantID"], Role: vars["role"]}

	if raw := r.URL.Query().Get("memberId"); raw != "" {
		memberID, err := id.ParseMemberID(raw)
		if err != nil {
			writeError(w, tally.ValidationError{Field: "memberId", Message: err.Error()})
			return
		}
		req.MemberID = memberID
	}

	if err := h.engine.ReleaseSeat(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type planRequest struct {
	PlanID       string `json:"planId"`
	BillingCycle string `json:"billingCycle"`
}

type planResponse struct {
	PlanID        string    `json:"planId"`
	BillingCycle  string    `json:"billingCycle"`
	ActivatedAt   time.Time `json:"activatedAt"`
	NextRenewalAt time.Time `json:"nextRenewalAt"`
}

// ActivatePlan handles PUT /v1/tenants/{tenantID}/plan.
func (h *Handlers) ActivatePlan(w http.ResponseWriter, r *http.Request) {
	var body planRequest
	if !decodeBody(w, r, &body, false) {
		return
	}

	a, err := h.engine.ActivatePlan(r.Context(), &tenant.ActivateRequest{
		TenantID:     mux.Vars(r)["tenantID"],
		PlanID:       body.PlanID,
		BillingCycle: body.BillingCycle,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse{
		PlanID:        a.PlanID,
		BillingCycle:  string(a.BillingCycle),
		ActivatedAt:   a.ActivatedAt,
		NextRenewalAt: a.NextRenewalAt,
	})
}

// GetUsageSnapshot handles GET /v1/tenants/{tenantID}/usage.
func (h *Handlers) GetUsageSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetUsageSnapshot(r.Context(), mux.Vars(r)["tenantID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RecountSeats handles POST /v1/tenants/{tenantID}/seats/recount.
func (h *Handlers) RecountSeats(w http.ResponseWriter, r *http.Request) {
	u, err := h.engine.RecountSeats(r.Context(), mux.Vars(r)["tenantID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]tenant.SeatUsage{"seatUsage": u})
}

// decodeBody reads a JSON body into dst. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, tally.ValidationError{Field: "body", Message: err.Error()})
	return false
}
