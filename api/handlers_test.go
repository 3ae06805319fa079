package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/identity"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/snapshot"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/tenant"
)

var secret = []byte("test-secret")

type server struct {
	*httptest.Server
	auth *api.Authenticator
	reg  *prometheus.Registry
}

func newServer(t *testing.T, engine api.Engine) *server {
	t.Helper()
	auth := api.NewAuthenticator(secret, "tally-test")
	reg := prometheus.NewRegistry()
	metrics := api.NewMetrics(reg)
	h := api.NewHandlers(engine, auth,
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithMetrics(metrics),
	)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &server{Server: srv, auth: auth, reg: reg}
}

func newEngineServer(t *testing.T) *server {
	t.Helper()
	eng := tally.New(memory.New(),
		tally.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tally.WithDefaultCatalog(),
		tally.WithIdentityProvisioner(identity.NewMemory("https://app.example.com/reset")),
	)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })
	return newServer(t, eng)
}

func (s *server) token(t *testing.T, tenantID, role string) string {
	t.Helper()
	tok, err := s.auth.Issue("user-"+role, tenantID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestMissingTokenIsUnauthenticated(t *testing.T) {
	s := newEngineServer(t)

	resp, body := s.do(t, http.MethodGet, "/v1/tenants/t1/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(tally.CodeUnauthenticated), body["code"])
	assert.NotEmpty(t, resp.Header.Get(api.RequestIDHeader))
}

func TestTokenChecks(t *testing.T) {
	s := newEngineServer(t)

	t.Run("wrong secret", func(t *testing.T) {
		other := api.NewAuthenticator([]byte("other"), "tally-test")
		tok, err := other.Issue("u", "t1", "admin", time.Hour)
		require.NoError(t, err)
		resp, _ := s.do(t, http.MethodGet, "/v1/tenants/t1/usage", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := s.auth.Issue("u", "t1", "admin", -time.Minute)
		require.NoError(t, err)
		resp, _ := s.do(t, http.MethodGet, "/v1/tenants/t1/usage", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown role", func(t *testing.T) {
		resp, _ := s.do(t, http.MethodGet, "/v1/tenants/t1/usage", s.token(t, "t1", "janitor"), nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("other tenant", func(t *testing.T) {
		resp, body := s.do(t, http.MethodGet, "/v1/tenants/t1/usage", s.token(t, "t2", "admin"), nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, string(tally.CodePermissionDenied), body["code"])
	})
}

func TestOrderFlow(t *testing.T) {
	s := newEngineServer(t)
	admin := s.token(t, "t1", "admin")

	resp, body := s.do(t, http.MethodPost, "/v1/tenants/t1/orders", admin, nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode, "no account yet")
	assert.Equal(t, string(tally.CodeFailedPrecondition), body["code"])

	resp, body = s.do(t, http.MethodPut, "/v1/tenants/t1/plan", admin, map[string]string{
		"planId": "free", "billingCycle": "monthly",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "free", body["planId"])
	assert.NotEmpty(t, body["nextRenewalAt"])

	messenger := s.token(t, "t1", "mensajero")
	for range 30 {
		resp, body = s.do(t, http.MethodPost, "/v1/tenants/t1/orders", messenger, map[string]any{
			"fields": map[string]any{"ref": "A-1"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, body["orderId"])
		assert.NotEmpty(t, body["monthKey"])
	}

	resp, body = s.do(t, http.MethodPost, "/v1/tenants/t1/orders", messenger, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(tally.CodeQuotaExceeded), body["code"])
	assert.EqualValues(t, 30, body["limit"])

	resp, body = s.do(t, http.MethodGet, "/v1/tenants/t1/usage", messenger, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 30, body["orders_used"])
	assert.EqualValues(t, 0, body["orders_remaining"])
}

func TestSeatFlow(t *testing.T) {
	s := newEngineServer(t)
	admin := s.token(t, "t1", "admin")

	resp, _ := s.do(t, http.MethodPut, "/v1/tenants/t1/plan", admin, map[string]string{
		"planId": "free", "billingCycle": "monthly",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/v1/tenants/t1/seats", s.token(t, "t1", "operator"), map[string]string{
		"role": "messenger", "email": "a@example.com",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "only admins reserve seats")
	assert.Equal(t, string(tally.CodePermissionDenied), body["code"])

	resp, body = s.do(t, http.MethodPost, "/v1/tenants/t1/seats", admin, map[string]string{
		"role": "chef", "email": "a@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var memberID string
	for i, email := range []string{"a@example.com", "b@example.com"} {
		resp, body = s.do(t, http.MethodPost, "/v1/tenants/t1/seats", admin, map[string]string{
			"role": "messenger", "email": email, "displayName": "Rider",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, "seat %d", i)
		assert.NotEmpty(t, body["seatId"])
		assert.NotEmpty(t, body["identityRef"])
		assert.Contains(t, body["resetLink"], "https://app.example.com/reset")
		memberID, _ = body["memberId"].(string)
	}

	resp, body = s.do(t, http.MethodPost, "/v1/tenants/t1/seats", admin, map[string]string{
		"role": "messenger", "email": "c@example.com",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(tally.CodeSeatExhausted), body["code"])
	assert.Equal(t, string(seat.Messengers), body["bucket"])
	assert.EqualValues(t, 2, body["limit"])

	resp, _ = s.do(t, http.MethodDelete, "/v1/tenants/t1/seats/messenger?memberId=not-an-id", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodDelete, "/v1/tenants/t1/seats/messenger?memberId="+memberID, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, body = s.do(t, http.MethodPost, "/v1/tenants/t1/seats/recount", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage, _ := body["seatUsage"].(map[string]any)
	assert.EqualValues(t, 1, usage["messengers"])
}

func TestBadBody(t *testing.T) {
	s := newEngineServer(t)

	req, err := http.NewRequest(http.MethodPut, s.URL+"/v1/tenants/t1/plan", bytes.NewBufferString("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "t1", "admin"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// failingEngine returns err from every call.
type failingEngine struct{ err error }

func (f failingEngine) ReserveOrderSlot(context.Context, *order.Request) (*order.Order, error) {
	return nil, f.err
}

func (f failingEngine) ReserveSeat(context.Context, *seat.Request) (*seat.Grant, error) {
	return nil, f.err
}

func (f failingEngine) ReleaseSeat(context.Context, *seat.ReleaseRequest) error { return f.err }

func (f failingEngine) ActivatePlan(context.Context, *tenant.ActivateRequest) (*tenant.Activation, error) {
	return nil, f.err
}

func (f failingEngine) GetUsageSnapshot(context.Context, string) (*snapshot.Snapshot, error) {
	return nil, f.err
}

func (f failingEngine) RecountSeats(context.Context, string) (tenant.SeatUsage, error) {
	return tenant.SeatUsage{}, f.err
}

func TestInternalErrorsAreHidden(t *testing.T) {
	s := newServer(t, failingEngine{err: io.ErrUnexpectedEOF})

	resp, body := s.do(t, http.MethodGet, "/v1/tenants/t1/usage", s.token(t, "t1", "admin"), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, string(tally.CodeInternal), body["code"])
	assert.Equal(t, "internal error", body["message"])
}

func TestMetricsUseRouteTemplate(t *testing.T) {
	s := newServer(t, failingEngine{err: tally.ErrTenantNotFound})

	s.do(t, http.MethodGet, "/v1/tenants/t1/usage", s.token(t, "t1", "admin"), nil)
	s.do(t, http.MethodGet, "/v1/tenants/t2/usage", s.token(t, "t2", "admin"), nil)

	// both requests share one series
	n, err := testutil.GatherAndCount(s.reg, "tally_http_requests_total", "tally_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{nil, codes.OK},
		{tally.ErrUnauthenticated, codes.Unauthenticated},
		{tally.ErrPermissionDenied, codes.PermissionDenied},
		{tally.ValidationError{Field: "role", Message: "unknown"}, codes.InvalidArgument},
		{tally.ErrTenantNotFound, codes.FailedPrecondition},
		{tally.ErrPlanNotFound, codes.NotFound},
		{tally.ErrAlreadyExists, codes.AlreadyExists},
		{&tally.QuotaExceededError{Limit: 30}, codes.ResourceExhausted},
		{&tally.SeatExhaustedError{Bucket: seat.Admins, Limit: 1}, codes.ResourceExhausted},
		{io.ErrUnexpectedEOF, codes.Internal},
	}
	for _, tc := range cases {
		st := api.Status(tc.err)
		assert.Equal(t, tc.code, st.Code(), "%v", tc.err)
	}
	assert.Equal(t, "internal error", api.Status(io.ErrUnexpectedEOF).Message())
}
