package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/tally"
	"github.com/xraph/tally/seat"
)

// Claims are the JWT claims a caller presents.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns an authenticator for secret. A non-empty issuer
// is required to match the iss claim.
func NewAuthenticator(secret []byte, issuer string) *Authenticator {
	return &Authenticator{secret: secret, issuer: issuer}
}

// Issue signs a token for the given caller. It is used by tooling and
// tests; production tokens come from the identity provider.
func (a *Authenticator) Issue(subject, tenantID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Caller verifies a raw token and returns the caller it names.
func (a *Authenticator) Caller(raw string) (tally.Caller, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return tally.Caller{}, fmt.Errorf("%w: %w", tally.ErrUnauthenticated, err)
	}

	if claims.Subject == "" || claims.TenantID == "" {
		return tally.Caller{}, fmt.Errorf("%w: token lacks sub or tenant_id", tally.ErrUnauthenticated)
	}
	role, ok := seat.ParseRole(claims.Role)
	if !ok {
		return tally.Caller{}, fmt.Errorf("%w: unknown role %q", tally.ErrUnauthenticated, claims.Role)
	}
	return tally.Caller{Subject: claims.Subject, TenantID: claims.TenantID, Role: role}, nil
}

var errNoBearer = errors.New("missing bearer token")

func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: %w", tally.ErrUnauthenticated, errNoBearer)
	}
	return strings.TrimSpace(token), nil
}

// Middleware attaches the authenticated caller to the request context.
// Requests without a valid token get 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearer(r)
		if err != nil {
			writeError(w, err)
			return
		}
		caller, err := a.Caller(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(tally.WithCaller(r.Context(), caller)))
	})
}
