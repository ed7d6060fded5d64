package trigger

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestResolveZone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "UTC"},
		{"Europe/Paris", "Europe/Paris"},
		{"Nowhere/Special", "UTC"},
	}
	for _, tt := range tests {
		_, got := ResolveZone(tt.in)
		if got != tt.want {
			t.Errorf("ResolveZone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]string{
		"":          "active",
		"Paused":    "paused",
		"completed": "completed",
		"snoozed":   "active",
	}
	for in, want := range tests {
		if got := NormalizeStatus(in); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTime(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{"utc suffix", "2025-03-01T15:00:00Z", time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)},
		{"offset", "2025-03-01T15:00:00+01:00", time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)},
		{"naive is local", "2025-03-01T15:00:00", time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)},
		{"naive minutes", "2025-03-01 15:00", time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)},
		{"date only", "2025-03-01", time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.value, ny)
			if err != nil {
				t.Fatalf("ParseTime: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got.UTC(), tt.want)
			}
			if got.Location() != ny {
				t.Errorf("location = %v, want America/New_York", got.Location())
			}
		})
	}

	if _, err := ParseTime("next tuesday", ny); err == nil {
		t.Error("expected error for non-ISO input")
	}
}

func TestBuildRecurrence(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	utcStart := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	nyStart := time.Date(2025, 3, 1, 9, 0, 0, 0, ny)

	tests := []struct {
		name  string
		rule  string
		start time.Time
		loc   *time.Location
		want  string
	}{
		{"utc anchor", "FREQ=DAILY", utcStart, time.UTC, "DTSTART:20250301T090000Z\nRRULE:FREQ=DAILY"},
		{"zoned anchor", "RRULE:FREQ=DAILY", nyStart, ny, "DTSTART;TZID=America/New_York:20250301T090000\nRRULE:FREQ=DAILY"},
		{"replaces dtstart", "DTSTART:20200101T000000Z\nRRULE:FREQ=WEEKLY;BYDAY=MO", utcStart, time.UTC, "DTSTART:20250301T090000Z\nRRULE:FREQ=WEEKLY;BYDAY=MO"},
		{"keeps exdate", "  FREQ=DAILY  \n\nEXDATE:20250303T090000Z", utcStart, time.UTC, "DTSTART:20250301T090000Z\nRRULE:FREQ=DAILY\nEXDATE:20250303T090000Z"},
		{"empty rule", "   ", utcStart, time.UTC, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildRecurrence(tt.rule, tt.start, tt.loc)
			if err != nil {
				t.Fatalf("BuildRecurrence: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildRecurrenceZeroOffsetZone(t *testing.T) {
	london := mustZone(t, "Europe/London")
	start := time.Date(2025, 1, 10, 9, 0, 0, 0, london)

	rule, err := BuildRecurrence("FREQ=DAILY", start, london)
	if err != nil {
		t.Fatalf("BuildRecurrence: %v", err)
	}
	if rule != "DTSTART;TZID=Europe/London:20250110T090000\nRRULE:FREQ=DAILY" {
		t.Errorf("rule = %q", rule)
	}

	// In summer London is at +01:00; the run still lands at 09:00 local.
	got, err := NextOccurrence(rule, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), false)
	if err != nil || got == nil {
		t.Fatalf("NextOccurrence: %v, %v", got, err)
	}
	local := got.In(london)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Errorf("july occurrence at %s local, want 09:00", local.Format("15:04 MST"))
	}
	if want := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("got %v, want %v", got.UTC(), want)
	}
}

func TestBuildRecurrenceErrors(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := BuildRecurrence("DTSTART:20200101T000000Z", start, time.UTC); !errors.Is(err, ErrNoRule) {
		t.Errorf("dtstart only err = %v, want ErrNoRule", err)
	}
	_, err := BuildRecurrence("FREQ=SOMETIMES", start, time.UTC)
	if err == nil || !strings.Contains(err.Error(), "invalid recurrence_rule") {
		t.Errorf("bad freq err = %v", err)
	}
}

func TestNextOccurrence(t *testing.T) {
	rule := "DTSTART:20250301T090000Z\nRRULE:FREQ=DAILY;COUNT=2"
	first := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	second := first.AddDate(0, 0, 1)

	got, err := NextOccurrence(rule, first, true)
	if err != nil || got == nil || !got.Equal(first) {
		t.Fatalf("inclusive = %v, %v; want %v", got, err, first)
	}
	got, err = NextOccurrence(rule, first, false)
	if err != nil || got == nil || !got.Equal(second) {
		t.Fatalf("exclusive = %v, %v; want %v", got, err, second)
	}
	got, err = NextOccurrence(rule, second, false)
	if err != nil || got != nil {
		t.Fatalf("exhausted = %v, %v; want nil", got, err)
	}
}

func TestNextOccurrenceHonorsZone(t *testing.T) {
	// 09:00 in New York stays 09:00 local across the DST switch on 2025-03-09.
	rule := "DTSTART;TZID=America/New_York:20250308T090000\nRRULE:FREQ=DAILY"
	before := time.Date(2025, 3, 8, 14, 0, 0, 0, time.UTC)

	got, err := NextOccurrence(rule, before, false)
	if err != nil || got == nil {
		t.Fatalf("NextOccurrence: %v, %v", got, err)
	}
	want := time.Date(2025, 3, 9, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got.UTC(), want)
	}
}
