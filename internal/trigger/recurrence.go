package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/kalambet/errand/internal/storage"
)

// ErrNoRule is returned when a recurrence contains no RRULE content.
var ErrNoRule = errors.New("recurrence_rule must contain an RRULE definition")

// zonedLayouts carry their own offset; naiveLayouts are interpreted in the
// trigger's zone.
var (
	zonedLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04Z07:00",
		"2006-01-02 15:04:05Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	}
)

// ResolveZone loads name, falling back to UTC for empty or unknown zones.
// The returned name is the one that was actually loaded.
func ResolveZone(name string) (*time.Location, string) {
	name = strings.TrimSpace(name)
	if name != "" {
		loc, err := time.LoadLocation(name)
		if err == nil {
			return loc, loc.String()
		}
		slog.Warn("unknown timezone provided; defaulting to UTC", "timezone", name)
	}
	return time.UTC, "UTC"
}

// NormalizeStatus clamps status to the known set, defaulting to active.
func NormalizeStatus(status string) string {
	normalized := strings.ToLower(strings.TrimSpace(status))
	switch normalized {
	case storage.StatusActive, storage.StatusPaused, storage.StatusCompleted:
		return normalized
	case "":
		return storage.StatusActive
	default:
		slog.Warn("invalid status supplied; defaulting to active", "status", status)
		return storage.StatusActive
	}
}

// ParseTime parses an ISO 8601 timestamp. Values without an offset are
// taken to be in loc; the result is always expressed in loc.
func ParseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO 8601 timestamp: %q", value)
}

// coerceStart returns the start time in loc, or fallback when value is empty.
func coerceStart(value string, loc *time.Location, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return fallback.In(loc), nil
	}
	return ParseTime(value, loc)
}

// BuildRecurrence anchors rule at start by prepending a DTSTART line. Any
// DTSTART lines already in rule are replaced. An empty rule yields "".
// Every zone but UTC is written as a TZID so occurrences keep their wall
// clock time across offset changes.
func BuildRecurrence(rule string, start time.Time, loc *time.Location) (string, error) {
	if strings.TrimSpace(rule) == "" {
		return "", nil
	}

	local := start.In(loc)
	var dtLine string
	if loc == time.UTC {
		dtLine = "DTSTART:" + local.UTC().Format("20060102T150405Z")
	} else {
		dtLine = fmt.Sprintf("DTSTART;TZID=%s:%s", loc.String(), local.Format("20060102T150405"))
	}

	var lines []string
	for _, line := range strings.Split(rule, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(strings.ToUpper(line), "DTSTART") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "", ErrNoRule
	}
	if !strings.HasPrefix(strings.ToUpper(lines[0]), "RRULE") {
		lines[0] = "RRULE:" + lines[0]
	}

	stored := strings.Join(append([]string{dtLine}, lines...), "\n")
	if _, err := rrule.StrToRRuleSet(stored); err != nil {
		return "", fmt.Errorf("invalid recurrence_rule: %w", err)
	}
	return stored, nil
}

// NextOccurrence returns the first occurrence of the stored recurrence
// after t (at or after t when inclusive), or nil when the rule is
// exhausted.
func NextOccurrence(stored string, t time.Time, inclusive bool) (*time.Time, error) {
	set, err := rrule.StrToRRuleSet(stored)
	if err != nil {
		return nil, fmt.Errorf("parsing recurrence: %w", err)
	}
	if set.GetRRule() == nil {
		return nil, ErrNoRule
	}
	next := set.After(t, inclusive)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
