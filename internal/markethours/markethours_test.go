package markethours

import (
	"testing"
	"time"
)

func ny(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, Location)
	if err != nil {
		t.Fatalf("bad time %q: %v", value, err)
	}
	return ts
}

func TestIsOpen(t *testing.T) {
	tests := []struct {
		at   string
		open bool
	}{
		{"2026-02-04 09:29", false},
		{"2026-02-04 09:30", true}, // Wednesday open
		{"2026-02-04 12:00", true},
		{"2026-02-04 15:59", true},
		{"2026-02-04 16:00", false},
		{"2026-02-07 12:00", false}, // Saturday
		{"2026-02-08 12:00", false}, // Sunday
	}
	for _, tt := range tests {
		if got := IsOpen(ny(t, tt.at)); got != tt.open {
			t.Errorf("IsOpen(%s) = %v, want %v", tt.at, got, tt.open)
		}
	}
}

func TestIsOpen_ConvertsFromUTC(t *testing.T) {
	// 14:45 UTC on a winter Wednesday is 09:45 in New York.
	at := time.Date(2026, 2, 4, 14, 45, 0, 0, time.UTC)
	if !IsOpen(at) {
		t.Errorf("expected market open at %v", at)
	}
}

func TestToday_UsesExchangeDate(t *testing.T) {
	// 02:00 UTC on Feb 5 is still Feb 4 in New York.
	at := time.Date(2026, 2, 5, 2, 0, 0, 0, time.UTC)
	if got := Today(at); got != "2026-02-04" {
		t.Errorf("expected 2026-02-04, got %s", got)
	}
}
