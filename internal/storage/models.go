package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Trigger statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// TimeLayout is the storage format for trigger timestamps. All values are
// UTC with second precision so lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05Z"

type Trigger struct {
	ID             int64
	AgentName      string
	Payload        string
	StartTime      *time.Time
	NextTrigger    *time.Time
	RecurrenceRule string // empty for one-shot triggers
	Timezone       string
	Status         string // "active", "paused", "completed"
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// TriggerPatch collects column assignments for UpdateTrigger. Only the
// columns that were set are written.
type TriggerPatch struct {
	cols []string
	vals []any
}

func (p *TriggerPatch) set(col string, v any) {
	for i, c := range p.cols {
		if c == col {
			p.vals[i] = v
			return
		}
	}
	p.cols = append(p.cols, col)
	p.vals = append(p.vals, v)
}

func (p *TriggerPatch) SetPayload(payload string) { p.set("payload", payload) }
func (p *TriggerPatch) SetStatus(status string)   { p.set("status", status) }
func (p *TriggerPatch) SetTimezone(tz string)     { p.set("timezone", tz) }

func (p *TriggerPatch) SetStartTime(t time.Time) { p.set("start_time", FormatTime(t)) }

// SetNextTrigger writes next_trigger; nil stores NULL.
func (p *TriggerPatch) SetNextTrigger(t *time.Time) { p.set("next_trigger", nullTime(t)) }

// SetRecurrence writes recurrence_rule; an empty rule stores NULL.
func (p *TriggerPatch) SetRecurrence(rule string) { p.set("recurrence_rule", nullString(rule)) }

// SetLastError writes last_error; an empty message stores NULL.
func (p *TriggerPatch) SetLastError(msg string) { p.set("last_error", nullString(msg)) }

// Has reports whether col is part of the patch.
func (p *TriggerPatch) Has(col string) bool {
	for _, c := range p.cols {
		if c == col {
			return true
		}
	}
	return false
}

// Empty reports whether no column was set.
func (p *TriggerPatch) Empty() bool { return p == nil || len(p.cols) == 0 }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}
