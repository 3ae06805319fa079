package plan

import (
	"testing"
	"time"

	"github.com/xraph/tally/seat"
)

func TestAdmitsAndExceeds(t *testing.T) {
	tests := []struct {
		name            string
		limit, used     int64
		admits, exceeds bool
	}{
		{"room left", 30, 29, true, false},
		{"full", 30, 30, false, false},
		{"over", 30, 31, false, true},
		{"zero limit", 0, 0, false, false},
		{"unlimited", Unlimited, 1_000_000, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Admits(tt.limit, tt.used); got != tt.admits {
				t.Errorf("Admits(%d, %d) = %v, want %v", tt.limit, tt.used, got, tt.admits)
			}
			if got := Exceeds(tt.limit, tt.used); got != tt.exceeds {
				t.Errorf("Exceeds(%d, %d) = %v, want %v", tt.limit, tt.used, got, tt.exceeds)
			}
		})
	}
}

func TestParseBillingCycle(t *testing.T) {
	tests := []struct {
		raw  string
		want BillingCycle
		ok   bool
	}{
		{"", CycleMonthly, true},
		{"monthly", CycleMonthly, true},
		{"Mensual", CycleMonthly, true},
		{"annual", CycleAnnual, true},
		{"anual", CycleAnnual, true},
		{"YEARLY", CycleAnnual, true},
		{"weekly", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseBillingCycle(tt.raw)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseBillingCycle(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBillingCycleNext(t *testing.T) {
	now := time.Date(2026, time.January, 31, 8, 0, 0, 0, time.UTC)

	if got, want := CycleAnnual.Next(now), now.AddDate(1, 0, 0); !got.Equal(want) {
		t.Errorf("annual Next = %v, want %v", got, want)
	}
	if got, want := CycleMonthly.Next(now), now.AddDate(0, 1, 0); !got.Equal(want) {
		t.Errorf("monthly Next = %v, want %v", got, want)
	}
}

func TestDefaultCatalog(t *testing.T) {
	byID := map[string]*Plan{}
	for _, p := range DefaultCatalog() {
		byID[p.ID] = p
	}

	for _, id := range []string{Free, Basic, Pro, Enterprise} {
		if byID[id] == nil {
			t.Fatalf("catalog is missing %s", id)
		}
	}

	if got := byID[Free].Limits.OrdersPerMonth; got != 30 {
		t.Errorf("free orders = %d, want 30", got)
	}
	for _, b := range seat.Buckets {
		if got := byID[Enterprise].Limits.Seats(b); got != Unlimited {
			t.Errorf("enterprise %s seats = %d, want unlimited", b, got)
		}
	}
}

func TestFallbackOrdersPerMonth(t *testing.T) {
	if got := FallbackOrdersPerMonth("no-such-plan"); got != 30 {
		t.Errorf("unknown plan fallback = %d, want 30", got)
	}
	if got := FallbackOrdersPerMonth(Enterprise); got != Unlimited {
		t.Errorf("enterprise fallback = %d, want unlimited", got)
	}
}

func TestPlanCloneIsDeep(t *testing.T) {
	p := &Plan{ID: Pro, Metadata: map[string]string{"tier": "gold"}}
	c := p.Clone()
	c.Metadata["tier"] = "silver"
	if p.Metadata["tier"] != "gold" {
		t.Error("Clone shares metadata with the original")
	}
}
