package usage

import (
	"testing"
	"time"
)

func TestMonthKey(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"mid month", time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC), "2026-03"},
		{"last instant", time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC), "2026-12"},
		{"offset zone crosses month", time.Date(2026, time.April, 1, 1, 0, 0, 0, time.FixedZone("CET", 2*3600)), "2026-03"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MonthKey(tt.at); got != tt.want {
				t.Errorf("MonthKey = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseMonthKey(t *testing.T) {
	got, err := ParseMonthKey("2026-03")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("ParseMonthKey = %v, want %v", got, want)
	}

	for _, bad := range []string{"", "2026-3", "2026/03", "March"} {
		if _, err := ParseMonthKey(bad); err == nil {
			t.Errorf("ParseMonthKey(%q) should fail", bad)
		}
	}
}
