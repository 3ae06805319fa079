package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryProvision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("https://app.example.com/reset")

	first, err := m.Provision(ctx, &Request{TenantID: "acme", Email: "Rider@Example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Created {
		t.Error("first provision should create the identity")
	}

	again, err := m.Provision(ctx, &Request{TenantID: "acme", Email: "rider@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Created || again.Ref != first.Ref {
		t.Errorf("second provision = %+v, want existing %s", again, first.Ref)
	}

	if _, err := m.Provision(ctx, &Request{TenantID: "globex", Email: "rider@example.com"}); !errors.Is(err, ErrBoundElsewhere) {
		t.Errorf("other tenant: err = %v, want ErrBoundElsewhere", err)
	}

	if _, err := m.Provision(ctx, &Request{TenantID: "acme"}); err == nil {
		t.Error("empty email should fail")
	}
}

func TestMemoryAssignRole(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")

	ident, err := m.Provision(ctx, &Request{TenantID: "acme", Email: "op@example.com"})
	if err != nil {
		t.Fatal(err)
	}

	claims := Claims{TenantID: "acme", Role: "manager", Bucket: "operators"}
	if err := m.AssignRole(ctx, ident.Ref, claims); err != nil {
		t.Fatal(err)
	}
	if got, ok := m.ClaimsFor(ident.Ref); !ok || got != claims {
		t.Errorf("ClaimsFor = %+v, %v", got, ok)
	}

	if err := m.AssignRole(ctx, "missing", claims); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown ref: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRevokeRole(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")

	ident, err := m.Provision(ctx, &Request{TenantID: "acme", Email: "rider@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	messenger := Claims{TenantID: "acme", Role: "messenger", Bucket: "messengers"}
	admin := Claims{TenantID: "acme", Role: "admin", Bucket: "admins"}
	if err := m.AssignRole(ctx, ident.Ref, admin); err != nil {
		t.Fatal(err)
	}

	// Claims reassigned since are left alone.
	if err := m.RevokeRole(ctx, ident.Ref, messenger); err != nil {
		t.Fatal(err)
	}
	if got, ok := m.ClaimsFor(ident.Ref); !ok || got != admin {
		t.Errorf("after revoking other claims: ClaimsFor = %+v, %v", got, ok)
	}

	if err := m.RevokeRole(ctx, ident.Ref, admin); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ClaimsFor(ident.Ref); ok {
		t.Error("claims still assigned after revoke")
	}
}

func TestMemoryResetLink(t *testing.T) {
	ctx := context.Background()

	link, err := NewMemory("https://app.example.com/reset").ResetLink(ctx, "ref-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(link, "https://app.example.com/reset?token=") || !strings.HasSuffix(link, "&ref=ref-1") {
		t.Errorf("unexpected link %s", link)
	}

	if _, err := NewMemory("").ResetLink(ctx, "ref-1"); err == nil {
		t.Error("disabled reset links should fail")
	}
}

func TestResult(t *testing.T) {
	var skipped Result[string]
	if !skipped.Skipped() || skipped.OK() {
		t.Error("zero result should be skipped")
	}

	ok := Ok("link")
	if v, usable := ok.Get(); !usable || v != "link" {
		t.Errorf("Ok.Get = %q, %v", v, usable)
	}

	failed := Failed[string](errors.New("smtp down"))
	if failed.Skipped() || failed.OK() {
		t.Error("failed result should have run and not be OK")
	}
	if _, usable := failed.Get(); usable {
		t.Error("failed result should not be usable")
	}
}
