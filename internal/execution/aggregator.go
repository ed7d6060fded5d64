package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/kalambet/errand/internal/trigger"
)

// DefaultTaskTimeout bounds a single execution agent run.
const DefaultTaskTimeout = 90 * time.Second

// ErrUnknownDispatch is returned by Launch for ids that were never
// registered or have already run.
var ErrUnknownDispatch = errors.New("unknown dispatch")

// Executor runs instructions for a named agent. Implemented by Runtime.
type Executor interface {
	Execute(ctx context.Context, agentName, instructions string) Result
}

// Sink receives the digest of a drained batch. Deliver runs on the goroutine
// of the last completing dispatch and should hand long work off.
type Sink interface {
	Deliver(ctx context.Context, digest string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, digest string)

func (f SinkFunc) Deliver(ctx context.Context, digest string) { f(ctx, digest) }

// PendingDispatch is a registered but not yet completed agent run.
type PendingDispatch struct {
	ID           string    `json:"request_id"`
	AgentName    string    `json:"agent_name"`
	Instructions string    `json:"-"`
	BatchID      string    `json:"batch_id"`
	CreatedAt    time.Time `json:"created_at"`
	// ElapsedSeconds is filled in by Pending.
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type batch struct {
	id        string
	createdAt time.Time
	pending   int
	results   []Result
}

// Aggregator groups dispatches that overlap in time into one batch and
// hands a single digest to the sink once every member has finished.
type Aggregator struct {
	exec    Executor
	sink    Sink
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	current  *batch
	batches  map[string]*batch
	dispatch map[string]PendingDispatch
}

// NewAggregator creates an Aggregator. A non-positive timeout selects
// DefaultTaskTimeout. sink may be nil, in which case digests are only
// logged.
func NewAggregator(exec Executor, sink Sink, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Aggregator{
		exec:     exec,
		sink:     sink,
		timeout:  timeout,
		now:      time.Now,
		logger:   slog.Default(),
		batches:  make(map[string]*batch),
		dispatch: make(map[string]PendingDispatch),
	}
}

// SetSink replaces the digest sink. It must be called before the first
// batch drains.
func (a *Aggregator) SetSink(s Sink) {
	a.mu.Lock()
	a.sink = s
	a.mu.Unlock()
}

// Register attaches a new dispatch to the open batch, opening one if
// needed.
func (a *Aggregator) Register(agentName, instructions string) PendingDispatch {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.current == nil {
		a.current = &batch{id: uuid.NewString(), createdAt: now}
		a.batches[a.current.id] = a.current
	}
	a.current.pending++

	d := PendingDispatch{
		ID:           ulid.Make().String(),
		AgentName:    agentName,
		Instructions: instructions,
		BatchID:      a.current.id,
		CreatedAt:    now,
	}
	a.dispatch[d.ID] = d
	return d
}

// Launch runs a registered dispatch under the task timeout and completes
// it in its batch.
func (a *Aggregator) Launch(ctx context.Context, id string) (Result, error) {
	a.mu.Lock()
	d, ok := a.dispatch[id]
	a.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownDispatch, id)
	}

	res := a.run(ctx, d)

	a.mu.Lock()
	delete(a.dispatch, id)
	a.mu.Unlock()

	a.Complete(ctx, d.BatchID, res)
	return res, nil
}

func (a *Aggregator) run(ctx context.Context, d PendingDispatch) Result {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("execution agent panicked", "agent", d.AgentName, "panic", r)
				done <- failed(d.AgentName, fmt.Sprintf("Execution failed: %v", r), fmt.Sprint(r))
			}
		}()
		done <- a.exec.Execute(ctx, d.AgentName, d.Instructions)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			a.logger.Warn("execution agent timed out", "agent", d.AgentName, "timeout", a.timeout)
			return failed(d.AgentName, "Execution timed out after "+seconds(a.timeout)+" seconds", "Timeout")
		}
		return failed(d.AgentName, "Execution failed: "+ctx.Err().Error(), ctx.Err().Error())
	}
}

// Complete records result in its batch. When the batch drains its digest
// is handed to the sink on the caller's goroutine.
func (a *Aggregator) Complete(ctx context.Context, batchID string, result Result) {
	a.mu.Lock()
	b, ok := a.batches[batchID]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("dropping result for unknown batch", "batch", batchID, "agent", result.AgentName)
		return
	}
	b.results = append(b.results, result)
	b.pending--
	if b.pending > 0 {
		a.mu.Unlock()
		return
	}
	delete(a.batches, batchID)
	if a.current == b {
		a.current = nil
	}
	sink := a.sink
	a.mu.Unlock()

	names := make([]string, len(b.results))
	for i, r := range b.results {
		names[i] = r.AgentName
	}
	a.logger.Info("execution batch completed", "batch", batchID, "agents", strings.Join(names, ", "))

	digest := FormatDigest(b.results)
	if sink == nil {
		a.logger.Debug("no sink for batch digest", "batch", batchID)
		return
	}
	sink.Deliver(context.WithoutCancel(ctx), digest)
}

// Execute registers and runs a single dispatch. Used by the trigger
// scheduler.
func (a *Aggregator) Execute(ctx context.Context, agentName, instructions string) Result {
	d := a.Register(agentName, instructions)
	res, err := a.Launch(ctx, d.ID)
	if err != nil {
		return failed(agentName, "Execution failed: "+err.Error(), err.Error())
	}
	return res
}

// TriggerExecutor runs every trigger fire in its own single-dispatch
// batch, so scheduled runs never join a batch opened by the interaction
// agent. The drained digest still reaches sink.
func TriggerExecutor(exec Executor, sink Sink, timeout time.Duration) trigger.Executor {
	return trigger.ExecutorFunc(func(ctx context.Context, agentName, instructions string) error {
		res := NewAggregator(exec, sink, timeout).Execute(ctx, agentName, instructions)
		if res.Success {
			return nil
		}
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return errors.New(res.Response)
	})
}

// Pending returns the dispatches still running, oldest first.
func (a *Aggregator) Pending() []PendingDispatch {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make([]PendingDispatch, 0, len(a.dispatch))
	for _, d := range a.dispatch {
		d.ElapsedSeconds = now.Sub(d.CreatedAt).Seconds()
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown drops all batch bookkeeping. Runs still in flight complete into
// unknown batches and are discarded.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = nil
	a.batches = make(map[string]*batch)
	a.dispatch = make(map[string]PendingDispatch)
}

// FormatDigest renders batch results, one line per result in completion
// order. Line breaks inside a response are folded into spaces.
func FormatDigest(results []Result) string {
	lines := make([]string, len(results))
	for i, r := range results {
		status := "SUCCESS"
		if !r.Success {
			status = "FAILED"
		}
		response := singleLine(r.Response)
		if response == "" {
			response = "(no response provided)"
		}
		lines[i] = fmt.Sprintf("[%s] %s: %s", status, r.AgentName, response)
	}
	return strings.Join(lines, "\n")
}

func singleLine(s string) string {
	var parts []string
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

func failed(agentName, response, errText string) Result {
	return Result{AgentName: agentName, Success: false, Response: response, Error: errText}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
