package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tally/order"
)

type counting struct {
	name     string
	reserved int
	fail     bool
}

func (c *counting) Name() string { return c.name }

func (c *counting) OnOrderReserved(context.Context, *order.Order, int64, int64) error {
	c.reserved++
	if c.fail {
		return errors.New("hook failed")
	}
	return nil
}

type slow struct{ release chan struct{} }

func (s *slow) Name() string { return "slow" }

func (s *slow) OnQuotaExceeded(context.Context, string, string, int64, int64) error {
	<-s.release
	return nil
}

func newTestRegistry() *Registry {
	return NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryDispatch(t *testing.T) {
	r := newTestRegistry()
	ok := &counting{name: "ok"}
	failing := &counting{name: "failing", fail: true}

	if err := r.Register(ok); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(failing); err != nil {
		t.Fatal(err)
	}

	r.EmitOrderReserved(context.Background(), &order.Order{TenantID: "acme"}, 1, 30)

	if ok.reserved != 1 || failing.reserved != 1 {
		t.Errorf("reserved = %d/%d, want 1/1", ok.reserved, failing.reserved)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := newTestRegistry().WithTimeout(20 * time.Millisecond)
	s := &slow{release: make(chan struct{})}
	defer close(s.release)

	if err := r.Register(s); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.EmitQuotaExceeded(context.Background(), "acme", "2026-03", 30, 30)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("emit blocked for %v", elapsed)
	}
}

func TestRegistryGet(t *testing.T) {
	r := newTestRegistry()
	p := &counting{name: "counting"}
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&counting{name: "counting"}); err == nil {
		t.Error("duplicate names should be rejected")
	}
	if r.Get("counting") != p {
		t.Error("Get should return the registered plugin")
	}
	if r.Get("missing") != nil {
		t.Error("Get should return nil for unknown plugins")
	}
}
