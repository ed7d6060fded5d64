package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/errand/internal/storage"
)

type mockExecutor struct {
	mu        sync.Mutex
	calls     []string
	executeFn func(ctx context.Context, agentName, instructions string) error
}

func (m *mockExecutor) Execute(ctx context.Context, agentName, instructions string) error {
	m.mu.Lock()
	m.calls = append(m.calls, instructions)
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, agentName, instructions)
	}
	return nil
}

func (m *mockExecutor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestFormatInstructions(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	next := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := storage.Trigger{
		ID:             7,
		Payload:        "ping",
		StartTime:      &start,
		NextTrigger:    &next,
		RecurrenceRule: "DTSTART:20250301T100000Z\nRRULE:FREQ=HOURLY",
		Timezone:       "UTC",
	}

	got := FormatInstructions(tr, next.Add(3*time.Second))
	want := "Trigger fired at 2025-03-01T12:00:03Z (UTC).\n" +
		"Scheduled occurrence time: 2025-03-01T12:00:00Z.\n\n" +
		"Metadata:\n" +
		"- Trigger ID: 7\n" +
		"- Recurrence: DTSTART:20250301T100000Z\nRRULE:FREQ=HOURLY\n" +
		"- Timezone: UTC\n" +
		"- Start Time (UTC): 2025-03-01T10:00:00Z\n\n" +
		"Payload:\nping"
	if got != want {
		t.Errorf("FormatInstructions =\n%s\nwant\n%s", got, want)
	}
}

func TestFormatInstructionsMinimal(t *testing.T) {
	fired := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	got := FormatInstructions(storage.Trigger{ID: 1, Payload: "x"}, fired)
	want := "Trigger fired at 2025-03-01T12:00:00Z (UTC).\n" +
		"Scheduled occurrence time: 2025-03-01T12:00:00Z.\n\n" +
		"Metadata:\n- Trigger ID: 1\n\nPayload:\nx"
	if got != want {
		t.Errorf("FormatInstructions =\n%s\nwant\n%s", got, want)
	}
}

func TestPollOnceFiresAndAdvances(t *testing.T) {
	svc := newTestService(t)
	tr, err := svc.Create(CreateParams{AgentName: "Pinger", Payload: "ping", RecurrenceRule: "FREQ=HOURLY", StartTime: "2025-03-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exec := &mockExecutor{}
	sched := NewScheduler(svc, exec, time.Hour)

	n, err := sched.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("launched %d, want 1", n)
	}
	sched.Wait()

	if exec.count() != 1 {
		t.Fatalf("executor called %d times, want 1", exec.count())
	}
	got, err := svc.store.GetTrigger(tr.ID, "Pinger")
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	wantTime(t, "NextTrigger", got.NextTrigger, testNow.Add(time.Hour))
	if sched.InFlight(tr.ID) {
		t.Error("trigger still marked in flight")
	}

	// Nothing is due any more.
	if n, _ := sched.PollOnce(context.Background()); n != 0 {
		t.Errorf("second poll launched %d, want 0", n)
	}
}

func TestPollOnceSkipsInFlight(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Create(CreateParams{AgentName: "slow", Payload: "p"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	sched := NewScheduler(svc, exec, time.Hour)

	if n, _ := sched.PollOnce(context.Background()); n != 1 {
		t.Fatalf("first poll launched %d, want 1", n)
	}
	<-started
	if n, _ := sched.PollOnce(context.Background()); n != 0 {
		t.Errorf("second poll launched %d, want 0 while in flight", n)
	}
	close(release)
	sched.Wait()

	if exec.count() != 1 {
		t.Errorf("executor called %d times, want 1", exec.count())
	}
}

func TestFailedOneShotGoesDormant(t *testing.T) {
	svc := newTestService(t)
	tr, err := svc.Create(CreateParams{AgentName: "a", Payload: "p"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) error {
		return errors.New("Timeout")
	}}
	sched := NewScheduler(svc, exec, time.Hour)
	if _, err := sched.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	sched.Wait()

	got, err := svc.store.GetTrigger(tr.ID, "a")
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if got.Status != storage.StatusActive || got.NextTrigger != nil || got.LastError != "Timeout" {
		t.Errorf("trigger = status %q next %v error %q", got.Status, got.NextTrigger, got.LastError)
	}
}

func TestPanickingExecutorRecordsFailure(t *testing.T) {
	svc := newTestService(t)
	tr, err := svc.Create(CreateParams{AgentName: "a", Payload: "p", RecurrenceRule: "FREQ=DAILY", StartTime: "2025-03-01T12:00:00Z"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) error {
		panic("kaboom")
	}}
	sched := NewScheduler(svc, exec, time.Hour)
	sched.PollOnce(context.Background())
	sched.Wait()

	got, _ := svc.store.GetTrigger(tr.ID, "a")
	if got.LastError != "panic: kaboom" {
		t.Errorf("LastError = %q", got.LastError)
	}
	wantTime(t, "NextTrigger", got.NextTrigger, testNow.AddDate(0, 0, 1))
}

func TestFiresSurviveCancellation(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Create(CreateParams{AgentName: "a", Payload: "p"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var fireErr error
	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) error {
		close(started)
		<-release
		fireErr = ctx.Err()
		return nil
	}}
	sched := NewScheduler(svc, exec, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	close(release)
	sched.Wait()
	if fireErr != nil {
		t.Errorf("fire context err = %v, want nil", fireErr)
	}
}
