package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/errand/internal/storage"
)

// DefaultPollInterval is how often the scheduler looks for due triggers.
const DefaultPollInterval = 10 * time.Second

// Executor runs an execution agent for a fired trigger. A nil error means
// the agent completed its task.
type Executor interface {
	Execute(ctx context.Context, agentName, instructions string) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, agentName, instructions string) error

func (f ExecutorFunc) Execute(ctx context.Context, agentName, instructions string) error {
	return f(ctx, agentName, instructions)
}

// Scheduler polls for due triggers and fires each one in its own goroutine.
// A trigger is never fired twice concurrently.
type Scheduler struct {
	service *Service
	exec    Executor
	poll    time.Duration
	clock   Clock
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[int64]struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler. If pollInterval is <= 0, it defaults
// to DefaultPollInterval.
func NewScheduler(service *Service, exec Executor, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		service:  service,
		exec:     exec,
		poll:     pollInterval,
		clock:    service.clock,
		logger:   slog.Default(),
		inFlight: make(map[int64]struct{}),
	}
}

// Run polls until ctx is cancelled. Fires already started keep running
// after Run returns; use Wait to drain them.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("trigger scheduler started", "interval", s.poll)
	defer s.logger.Info("trigger scheduler stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.PollOnce(ctx); err != nil {
			s.logger.Error("trigger poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// PollOnce launches every due trigger that is not already in flight and
// returns how many were launched.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	due, err := s.service.Due(s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("loading due triggers: %w", err)
	}

	fireCtx := context.WithoutCancel(ctx)
	launched := 0
	for _, t := range due {
		s.mu.Lock()
		if _, busy := s.inFlight[t.ID]; busy {
			s.mu.Unlock()
			continue
		}
		s.inFlight[t.ID] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		launched++
		go s.fire(fireCtx, t)
	}
	return launched, nil
}

// InFlight reports whether the trigger is currently being executed.
func (s *Scheduler) InFlight(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

// Wait blocks until all launched fires have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) fire(ctx context.Context, t storage.Trigger) {
	firedAt := s.clock.Now().UTC()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("trigger execution panicked", "trigger_id", t.ID, "agent", t.AgentName, "panic", p)
			s.handleFailure(t, firedAt, fmt.Sprintf("panic: %v", p))
		}
		s.mu.Lock()
		delete(s.inFlight, t.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Info("dispatching trigger", "trigger_id", t.ID, "agent", t.AgentName, "scheduled_for", formatOptional(t.NextTrigger))
	err := s.exec.Execute(ctx, t.AgentName, FormatInstructions(t, firedAt))
	if err != nil {
		s.handleFailure(t, firedAt, err.Error())
		return
	}

	s.logger.Info("trigger completed", "trigger_id", t.ID, "agent", t.AgentName)
	if _, err := s.service.ScheduleNext(t, firedAt); err != nil {
		s.logger.Error("failed to schedule next occurrence", "trigger_id", t.ID, "error", err)
	}
}

func (s *Scheduler) handleFailure(t storage.Trigger, firedAt time.Time, msg string) {
	s.logger.Warn("trigger execution failed", "trigger_id", t.ID, "agent", t.AgentName, "error", msg)
	if _, err := s.service.RescheduleAfterFailure(t, firedAt, msg); err != nil {
		s.logger.Error("failed to record trigger failure", "trigger_id", t.ID, "error", err)
	}
}

// FormatInstructions renders the instruction text handed to the execution
// agent when t fires.
func FormatInstructions(t storage.Trigger, firedAt time.Time) string {
	fired := storage.FormatTime(firedAt)
	scheduled := fired
	if t.NextTrigger != nil {
		scheduled = storage.FormatTime(*t.NextTrigger)
	}

	metadata := []string{fmt.Sprintf("Trigger ID: %d", t.ID)}
	if t.RecurrenceRule != "" {
		metadata = append(metadata, "Recurrence: "+t.RecurrenceRule)
	}
	if t.Timezone != "" {
		metadata = append(metadata, "Timezone: "+t.Timezone)
	}
	if t.StartTime != nil {
		metadata = append(metadata, "Start Time (UTC): "+storage.FormatTime(*t.StartTime))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trigger fired at %s (UTC).\n", fired)
	fmt.Fprintf(&b, "Scheduled occurrence time: %s.\n\n", scheduled)
	b.WriteString("Metadata:\n")
	for i, line := range metadata {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- " + line)
	}
	b.WriteString("\n\nPayload:\n")
	b.WriteString(t.Payload)
	return b.String()
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return storage.FormatTime(*t)
}
