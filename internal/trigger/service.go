// Package trigger manages recurring and one-shot triggers that wake
// execution agents on a schedule.
package trigger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/errand/internal/storage"
)

// DefaultGracePeriod is how late a reactivated trigger may be before its
// schedule is recomputed instead of firing immediately.
const DefaultGracePeriod = 5 * time.Minute

// Store abstracts trigger persistence. Implemented by storage.Store.
type Store interface {
	InsertTrigger(t storage.Trigger) (int64, error)
	GetTrigger(id int64, agentName string) (storage.Trigger, error)
	UpdateTrigger(id int64, agentName string, patch *storage.TriggerPatch) error
	ListTriggers(agentName string) ([]storage.Trigger, error)
	DueTriggers(before time.Time, agentName string) ([]storage.Trigger, error)
	ClearTriggers() error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CreateParams describes a new trigger. Empty strings mean "not given".
type CreateParams struct {
	AgentName      string
	Payload        string
	RecurrenceRule string
	StartTime      string
	Timezone       string
	Status         string
}

// UpdateParams describes a partial update; nil fields are left unchanged.
type UpdateParams struct {
	Payload        *string
	RecurrenceRule *string
	StartTime      *string
	Timezone       *string
	Status         *string
	LastError      *string
	ClearError     bool
}

// Service is the recurrence-aware layer over trigger storage.
type Service struct {
	store  Store
	clock  Clock
	grace  time.Duration
	logger *slog.Logger
}

// NewService creates a Service. A non-positive grace selects
// DefaultGracePeriod.
func NewService(store Store, grace time.Duration) *Service {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Service{
		store:  store,
		clock:  realClock{},
		grace:  grace,
		logger: slog.Default(),
	}
}

// NewServiceWithClock creates a Service with a custom clock (for testing).
func NewServiceWithClock(store Store, grace time.Duration, clock Clock) *Service {
	s := NewService(store, grace)
	s.clock = clock
	return s
}

// Create stores a new trigger with its first fire time computed.
func (s *Service) Create(p CreateParams) (storage.Trigger, error) {
	loc, zone := ResolveZone(p.Timezone)
	now := s.clock.Now().UTC()

	start, err := coerceStart(p.StartTime, loc, now)
	if err != nil {
		return storage.Trigger{}, err
	}
	stored, err := BuildRecurrence(p.RecurrenceRule, start, loc)
	if err != nil {
		return storage.Trigger{}, err
	}
	next, err := s.computeNextFire(stored, start, now)
	if err != nil {
		return storage.Trigger{}, err
	}

	id, err := s.store.InsertTrigger(storage.Trigger{
		AgentName:      p.AgentName,
		Payload:        p.Payload,
		StartTime:      &start,
		NextTrigger:    next,
		RecurrenceRule: stored,
		Timezone:       zone,
		Status:         NormalizeStatus(p.Status),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return storage.Trigger{}, err
	}
	return s.store.GetTrigger(id, p.AgentName)
}

// Update applies p to the trigger id owned by agentName. Unknown or foreign
// ids return storage.ErrNotFound.
func (s *Service) Update(id int64, agentName string, p UpdateParams) (storage.Trigger, error) {
	existing, err := s.store.GetTrigger(id, agentName)
	if err != nil {
		return storage.Trigger{}, err
	}

	zoneName := existing.Timezone
	if p.Timezone != nil {
		zoneName = *p.Timezone
	}
	loc, zone := ResolveZone(zoneName)
	now := s.clock.Now().UTC()

	startRef := now
	if existing.StartTime != nil {
		startRef = *existing.StartTime
	}
	startValue := ""
	if p.StartTime != nil {
		startValue = *p.StartTime
	}
	start, err := coerceStart(startValue, loc, startRef)
	if err != nil {
		return storage.Trigger{}, err
	}

	var patch storage.TriggerPatch
	if p.Payload != nil {
		patch.SetPayload(*p.Payload)
	}

	activated := false
	if p.Status != nil {
		status := NormalizeStatus(*p.Status)
		patch.SetStatus(status)
		activated = status == storage.StatusActive && existing.Status != storage.StatusActive
	}
	if p.StartTime != nil {
		patch.SetStartTime(start)
	}
	if p.Timezone != nil {
		patch.SetTimezone(zone)
	}

	scheduleChanged := p.RecurrenceRule != nil || p.StartTime != nil || p.Timezone != nil
	source := existing.RecurrenceRule
	if p.RecurrenceRule != nil {
		source = *p.RecurrenceRule
	}
	stored := source
	if scheduleChanged {
		if stored, err = BuildRecurrence(source, start, loc); err != nil {
			return storage.Trigger{}, err
		}
	}

	recompute := scheduleChanged
	if activated {
		if existing.NextTrigger == nil || now.Sub(*existing.NextTrigger) > s.grace {
			recompute = true
		}
	}

	if recompute {
		next, err := s.computeNextFire(stored, start, now)
		if err != nil {
			return storage.Trigger{}, err
		}
		if stored == "" && p.RecurrenceRule == nil && p.StartTime == nil && activated && next != nil && !next.After(now) {
			next = &now
		}
		patch.SetNextTrigger(next)
	}
	if scheduleChanged {
		patch.SetRecurrence(stored)
	}

	if p.ClearError {
		patch.SetLastError("")
	} else if p.LastError != nil {
		patch.SetLastError(*p.LastError)
	}

	if patch.Empty() {
		return existing, nil
	}
	if err := s.store.UpdateTrigger(id, agentName, &patch); err != nil {
		return storage.Trigger{}, err
	}
	return s.store.GetTrigger(id, agentName)
}

// List returns the triggers owned by agentName (all when empty).
func (s *Service) List(agentName string) ([]storage.Trigger, error) {
	return s.store.ListTriggers(agentName)
}

// Due returns active triggers scheduled at or before the cutoff.
func (s *Service) Due(before time.Time) ([]storage.Trigger, error) {
	return s.store.DueTriggers(before, "")
}

// MarkCompleted finishes a trigger and clears its schedule and error.
func (s *Service) MarkCompleted(id int64, agentName string) error {
	var patch storage.TriggerPatch
	patch.SetStatus(storage.StatusCompleted)
	patch.SetNextTrigger(nil)
	patch.SetLastError("")
	return s.store.UpdateTrigger(id, agentName, &patch)
}

// ScheduleNext advances t past firedAt and clears its error. One-shot
// triggers and exhausted rules are marked completed.
func (s *Service) ScheduleNext(t storage.Trigger, firedAt time.Time) (storage.Trigger, error) {
	if t.RecurrenceRule == "" {
		if err := s.MarkCompleted(t.ID, t.AgentName); err != nil {
			return storage.Trigger{}, err
		}
		return s.store.GetTrigger(t.ID, t.AgentName)
	}
	return s.advance(t, firedAt, "")
}

// RescheduleAfterFailure records msg and still advances a recurring
// trigger to its next occurrence.
func (s *Service) RescheduleAfterFailure(t storage.Trigger, firedAt time.Time, msg string) (storage.Trigger, error) {
	if t.RecurrenceRule == "" {
		if err := s.RecordFailure(t, msg); err != nil {
			return storage.Trigger{}, err
		}
		return s.ClearNextFire(t.ID, t.AgentName)
	}
	return s.advance(t, firedAt, msg)
}

func (s *Service) advance(t storage.Trigger, firedAt time.Time, lastError string) (storage.Trigger, error) {
	next, err := NextOccurrence(t.RecurrenceRule, firedAt, false)
	if err != nil {
		return storage.Trigger{}, fmt.Errorf("advancing trigger %d: %w", t.ID, err)
	}
	var patch storage.TriggerPatch
	patch.SetNextTrigger(next)
	patch.SetLastError(lastError)
	if next == nil {
		patch.SetStatus(storage.StatusCompleted)
	}
	if err := s.store.UpdateTrigger(t.ID, t.AgentName, &patch); err != nil {
		return storage.Trigger{}, err
	}
	return s.store.GetTrigger(t.ID, t.AgentName)
}

// RecordFailure stores msg as the trigger's last error.
func (s *Service) RecordFailure(t storage.Trigger, msg string) error {
	var patch storage.TriggerPatch
	patch.SetLastError(msg)
	return s.store.UpdateTrigger(t.ID, t.AgentName, &patch)
}

// ClearNextFire leaves the trigger active but unscheduled.
func (s *Service) ClearNextFire(id int64, agentName string) (storage.Trigger, error) {
	var patch storage.TriggerPatch
	patch.SetNextTrigger(nil)
	if err := s.store.UpdateTrigger(id, agentName, &patch); err != nil {
		return storage.Trigger{}, err
	}
	return s.store.GetTrigger(id, agentName)
}

// ClearAll deletes every trigger.
func (s *Service) ClearAll() error {
	return s.store.ClearTriggers()
}

func (s *Service) computeNextFire(stored string, start, now time.Time) (*time.Time, error) {
	if stored != "" {
		return NextOccurrence(stored, now, true)
	}
	if start.Before(now) {
		s.logger.Warn("start_time in the past; trigger will fire immediately", "start_time", start.Format(time.RFC3339))
	}
	return &start, nil
}
