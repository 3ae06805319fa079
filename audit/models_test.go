package audit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tally/audit"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name   string
		before map[string]any
		after  map[string]any
		want   []audit.FieldChange
	}{
		{
			name:  "creation lists every field against no prior value",
			after: map[string]any{"b": 2, "a": "x"},
			want: []audit.FieldChange{
				{Field: "a", Old: nil, New: "x"},
				{Field: "b", Old: nil, New: 2},
			},
		},
		{
			name:   "unchanged fields are skipped",
			before: map[string]any{"a": int64(1), "b": int64(2)},
			after:  map[string]any{"a": int64(1), "b": int64(3)},
			want:   []audit.FieldChange{{Field: "b", Old: int64(2), New: int64(3)}},
		},
		{
			name:   "removed fields carry a nil new value",
			before: map[string]any{"a": 1},
			after:  map[string]any{},
			want:   []audit.FieldChange{{Field: "a", Old: 1, New: nil}},
		},
		{
			name:   "identical maps produce no changes",
			before: map[string]any{"a": 1},
			after:  map[string]any{"a": 1},
			want:   []audit.FieldChange{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, audit.Diff(tt.before, tt.after))
		})
	}
}
