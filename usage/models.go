package usage

import (
	"fmt"
	"time"
)

// MonthKeyLayout is the time layout of a ledger month key.
const MonthKeyLayout = "2006-01"

// Entry is one tenant's order counter for one month.
type Entry struct {
	TenantID    string    `json:"tenant_id"`
	MonthKey    string    `json:"month_key"`
	OrdersCount int64     `json:"orders_count"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int64     `json:"version"`
}

// MonthKey formats t as YYYY-MM in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format(MonthKeyLayout)
}

// ParseMonthKey validates a YYYY-MM key and returns the first instant of
// that month in UTC.
func ParseMonthKey(key string) (time.Time, error) {
	t, err := time.Parse(MonthKeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("usage: invalid month key %q: %w", key, err)
	}
	return t, nil
}
