package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockExecutor struct {
	executeFn func(ctx context.Context, agentName, instructions string) Result
}

func (m *mockExecutor) Execute(ctx context.Context, agentName, instructions string) Result {
	return m.executeFn(ctx, agentName, instructions)
}

type recordingSink struct {
	mu      sync.Mutex
	digests []string
}

func (s *recordingSink) Deliver(ctx context.Context, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = append(s.digests, digest)
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.digests...)
}

func okExecutor() *mockExecutor {
	return &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) Result {
		return Result{AgentName: agentName, Success: true, Response: "did " + instructions}
	}}
}

func TestRegisterSharesOpenBatch(t *testing.T) {
	agg := NewAggregator(okExecutor(), nil, time.Second)
	a := agg.Register("a", "x")
	b := agg.Register("b", "y")
	if a.BatchID != b.BatchID {
		t.Errorf("batch ids differ: %s vs %s", a.BatchID, b.BatchID)
	}
	if a.ID == b.ID {
		t.Error("dispatch ids collide")
	}
	if got := len(agg.Pending()); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}

func TestBatchDigestAfterLastCompletion(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(okExecutor(), sink, time.Second)

	first := agg.Register("Flights", "check")
	second := agg.Register("Hotels", "book")

	if _, err := agg.Launch(context.Background(), second.ID); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("digest delivered before batch drained: %v", got)
	}

	if _, err := agg.Launch(context.Background(), first.ID); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("digests = %v, want one", got)
	}
	want := "[SUCCESS] Hotels: did book\n[SUCCESS] Flights: did check"
	if got[0] != want {
		t.Errorf("digest = %q, want %q", got[0], want)
	}
	if len(agg.Pending()) != 0 {
		t.Error("pending dispatches left after drain")
	}

	// A drained batch is sealed; the next registration opens a new one.
	next := agg.Register("c", "z")
	if next.BatchID == first.BatchID {
		t.Error("new dispatch joined a drained batch")
	}
}

func TestConcurrentBatchWithTimeout(t *testing.T) {
	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) Result {
		if agentName == "slow" {
			<-ctx.Done()
		}
		return Result{AgentName: agentName, Success: true, Response: "did " + instructions}
	}}
	sink := &recordingSink{}
	agg := NewAggregator(exec, sink, 50*time.Millisecond)

	ids := []string{
		agg.Register("Flights", "check").ID,
		agg.Register("slow", "wait").ID,
		agg.Register("Hotels", "book").ID,
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := agg.Launch(context.Background(), id); err != nil {
				t.Errorf("Launch(%s): %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("digests = %v, want one", got)
	}
	lines := strings.Split(got[0], "\n")
	if len(lines) != 3 {
		t.Fatalf("digest has %d lines, want 3:\n%s", len(lines), got[0])
	}
	if lines[2] != "[FAILED] slow: Execution timed out after 0.05 seconds" {
		t.Errorf("last line = %q", lines[2])
	}
	for _, want := range []string{"[SUCCESS] Flights: did check", "[SUCCESS] Hotels: did book"} {
		if !strings.Contains(got[0], want) {
			t.Errorf("digest missing %q:\n%s", want, got[0])
		}
	}
	if len(agg.Pending()) != 0 {
		t.Error("pending dispatches left after drain")
	}
}

func TestLaunchUnknownDispatch(t *testing.T) {
	agg := NewAggregator(okExecutor(), nil, time.Second)
	if _, err := agg.Launch(context.Background(), "missing"); !errors.Is(err, ErrUnknownDispatch) {
		t.Errorf("err = %v, want ErrUnknownDispatch", err)
	}
}

func TestLaunchTimeout(t *testing.T) {
	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) Result {
		<-ctx.Done()
		return Result{AgentName: agentName, Success: true, Response: "too late"}
	}}
	sink := &recordingSink{}
	agg := NewAggregator(exec, sink, 20*time.Millisecond)

	res := agg.Execute(context.Background(), "slow", "x")
	if res.Success || res.Error != "Timeout" {
		t.Fatalf("result = %+v", res)
	}
	if res.Response != "Execution timed out after 0.02 seconds" {
		t.Errorf("response = %q", res.Response)
	}
	if got := sink.all(); len(got) != 1 || !strings.HasPrefix(got[0], "[FAILED] slow: Execution timed out") {
		t.Errorf("digests = %v", got)
	}
}

func TestLaunchRecoversPanic(t *testing.T) {
	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) Result {
		panic("boom")
	}}
	agg := NewAggregator(exec, nil, time.Second)

	res := agg.Execute(context.Background(), "a", "x")
	if res.Success || res.Response != "Execution failed: boom" {
		t.Errorf("result = %+v", res)
	}
	if len(agg.Pending()) != 0 {
		t.Error("panicked dispatch left pending")
	}
}

func TestCompleteUnknownBatchDropped(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(okExecutor(), sink, time.Second)
	agg.Complete(context.Background(), "nope", Result{AgentName: "a", Success: true})
	if len(sink.all()) != 0 {
		t.Error("digest delivered for unknown batch")
	}
}

func TestShutdownDropsInFlight(t *testing.T) {
	release := make(chan struct{})
	exec := &mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) Result {
		<-release
		return Result{AgentName: agentName, Success: true, Response: "ok"}
	}}
	sink := &recordingSink{}
	agg := NewAggregator(exec, sink, time.Second)

	d := agg.Register("a", "x")
	done := make(chan struct{})
	go func() {
		agg.Launch(context.Background(), d.ID)
		close(done)
	}()

	agg.Shutdown()
	if len(agg.Pending()) != 0 {
		t.Error("Shutdown left pending dispatches")
	}
	close(release)
	<-done
	if len(sink.all()) != 0 {
		t.Error("digest delivered after shutdown")
	}
}

func TestPendingElapsed(t *testing.T) {
	agg := NewAggregator(okExecutor(), nil, time.Second)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return base }
	agg.Register("a", "x")
	agg.now = func() time.Time { return base.Add(1500 * time.Millisecond) }

	p := agg.Pending()
	if len(p) != 1 || p[0].ElapsedSeconds != 1.5 || p[0].AgentName != "a" {
		t.Errorf("Pending() = %+v", p)
	}
}

func TestFormatDigest(t *testing.T) {
	got := FormatDigest([]Result{
		{AgentName: "a", Success: true, Response: "done"},
		{AgentName: "b", Success: false, Response: "  "},
	})
	want := "[SUCCESS] a: done\n[FAILED] b: (no response provided)"
	if got != want {
		t.Errorf("FormatDigest = %q, want %q", got, want)
	}
}

func TestFormatDigestOneLinePerResult(t *testing.T) {
	got := FormatDigest([]Result{
		{AgentName: "a", Success: true, Response: "Booked:\n  - flight AF12\r\n  - hotel\n"},
		{AgentName: "b", Success: true, Response: "ok"},
	})
	want := "[SUCCESS] a: Booked: - flight AF12 - hotel\n[SUCCESS] b: ok"
	if got != want {
		t.Errorf("FormatDigest = %q, want %q", got, want)
	}
}

func TestTriggerExecutorUsesOwnBatch(t *testing.T) {
	sink := &recordingSink{}
	exec := TriggerExecutor(&mockExecutor{executeFn: func(ctx context.Context, agentName, instructions string) Result {
		if instructions == "fail" {
			return Result{AgentName: agentName, Response: "Failed to complete task: nope", Error: "nope"}
		}
		return Result{AgentName: agentName, Success: true, Response: "ok"}
	}}, sink, time.Second)

	if err := exec.Execute(context.Background(), "a", "run"); err != nil {
		t.Errorf("Execute: %v", err)
	}
	if err := exec.Execute(context.Background(), "a", "fail"); err == nil || err.Error() != "nope" {
		t.Errorf("err = %v, want nope", err)
	}
}
