package timeutil

import (
	"testing"
	"time"
)

func TestRelativeTo(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"just now past", ref.Add(-3 * time.Second), "just now"},
		{"just now future", ref.Add(3 * time.Second), "just now"},
		{"seconds ago", ref.Add(-45 * time.Second), "45 seconds ago"},
		{"one minute ago", ref.Add(-1 * time.Minute), "1 minute ago"},
		{"minutes ago", ref.Add(-5 * time.Minute), "5 minutes ago"},
		{"in minutes", ref.Add(14 * time.Minute), "in 14 minutes"},
		{"hours ago", ref.Add(-3 * time.Hour), "3 hours ago"},
		{"in one hour", ref.Add(61 * time.Minute), "in 1 hour"},
		{"days ago", ref.Add(-49 * time.Hour), "2 days ago"},
		{"in days", ref.Add(10 * 24 * time.Hour), "in 10 days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RelativeTo(tt.t, ref); got != tt.want {
				t.Errorf("RelativeTo() = %q, want %q", got, tt.want)
			}
		})
	}
}
