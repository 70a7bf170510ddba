package ocean_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	ocean "github.com/erhathaway/ocean-clog"
	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/orun"
	"github.com/erhathaway/ocean-clog/internal/ostore"
)

func openTestOcean(t *testing.T, clock oclock.Clock, opts ocean.Options) *ocean.Ocean {
	t.Helper()
	opts.DBPath = filepath.Join(t.TempDir(), "ocean.db")
	opts.Clock = clock
	o, err := ocean.Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	if err := o.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return o
}

// Scenario 1: single message, happy path.
func TestScenario_SingleMessageHappyPath(t *testing.T) {
	o := openTestOcean(t, nil, ocean.Options{})
	o.RegisterClog(&ocean.Clog{
		ID: "chat",
		OnAdvance: func(ctx context.Context, input json.RawMessage, hc ocean.HandlerContext) (ocean.Outcome, error) {
			runID := hc.Tools.RunID()
			if _, err := hc.Tools.ReadScoped(ctx, []ocean.ReadPlan{{Kind: "run", RunID: runID}}); err != nil {
				return ocean.Outcome{}, err
			}
			if err := hc.Tools.EmitEvent(ctx, ocean.ScopeRun, "chat.received", input); err != nil {
				return ocean.Outcome{}, err
			}
			if _, err := hc.Tools.WriteScoped(ctx, []ocean.WriteOp{
				{Kind: "run.set", RunID: runID, Value: input},
			}); err != nil {
				return ocean.Outcome{}, err
			}
			return ocean.Outcome{Status: ocean.OutcomeOK}, nil
		},
	})

	ctx := context.Background()
	runID, err := o.CreateRun(ctx, "s1", "chat", ocean.CreateRunOptions{
		Input: json.RawMessage(`{"text":"hi"}`), HasInput: true,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	report, err := o.Advance(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if report.Advanced != 1 {
		t.Fatalf("expected one run advanced, got %+v", report)
	}

	row, err := o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusIdle || row.Attempt != 0 || row.PendingInput != nil {
		t.Fatalf("unexpected final row: %+v", row)
	}

	events, err := o.ReadEvents(ctx, ocean.ReadEventsOptions{Scope: ocean.ScopeRun, ID: runID})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Fatalf("expected exactly one event with seq=1, got %+v", events)
	}
}

// Scenario 2: retry exhaustion.
func TestScenario_RetryExhaustion(t *testing.T) {
	clock := oclock.NewMutable(time.UnixMilli(1_000_000))
	o := openTestOcean(t, clock.Now, ocean.Options{})
	o.RegisterClog(&ocean.Clog{
		ID: "flaky",
		OnAdvance: func(ctx context.Context, input json.RawMessage, hc ocean.HandlerContext) (ocean.Outcome, error) {
			return ocean.Outcome{Status: ocean.OutcomeRetry, Error: "boom"}, nil
		},
	})

	ctx := context.Background()
	runID, err := o.CreateRun(ctx, "s1", "flaky", ocean.CreateRunOptions{
		Input: json.RawMessage(`{}`), HasInput: true, MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	startMs := clock.Now().UnixMilli()
	if _, err := o.Advance(ctx); err != nil {
		t.Fatalf("advance 1: %v", err)
	}
	row, err := o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusWaiting || row.Attempt != 1 || row.LastError.String != "boom" {
		t.Fatalf("unexpected row after first failing advance: %+v", row)
	}
	if !row.WakeAt.Valid || row.WakeAt.Int64 != startMs+2000 {
		t.Fatalf("expected wakeAt=start+2000, got %+v", row.WakeAt)
	}

	clock.Advance(2000 * time.Millisecond)
	if _, err := o.Advance(ctx); err != nil {
		t.Fatalf("advance 2: %v", err)
	}
	row, err = o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusFailed || row.Attempt != 2 || row.LastError.String != "boom" {
		t.Fatalf("unexpected row after exhausting retries: %+v", row)
	}

	if err := o.Signal(ctx, runID, json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("signal on terminal run: %v", err)
	}
	report, err := o.Advance(ctx)
	if err != nil {
		t.Fatalf("advance after signal on terminal run: %v", err)
	}
	if report.Advanced != 0 {
		t.Fatalf("expected a terminal run's signal to be a no-op, got %+v", report)
	}
	row, err = o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusFailed {
		t.Fatalf("expected status to remain failed, got %s", row.Status)
	}
}

// Scenario 3: signal interrupts backoff.
func TestScenario_SignalInterruptsBackoff(t *testing.T) {
	clock := oclock.NewMutable(time.UnixMilli(1_000_000))
	o := openTestOcean(t, clock.Now, ocean.Options{})
	attempt := 0
	o.RegisterClog(&ocean.Clog{
		ID: "flaky",
		OnAdvance: func(ctx context.Context, input json.RawMessage, hc ocean.HandlerContext) (ocean.Outcome, error) {
			attempt++
			if attempt == 1 {
				return ocean.Outcome{Status: ocean.OutcomeRetry, Error: "boom"}, nil
			}
			if string(input) != `{"text":"stop"}` {
				t.Fatalf("expected the handler to see the signal's input, got %s", input)
			}
			return ocean.Outcome{Status: ocean.OutcomeOK}, nil
		},
	})

	ctx := context.Background()
	runID, err := o.CreateRun(ctx, "s1", "flaky", ocean.CreateRunOptions{
		Input: json.RawMessage(`{}`), HasInput: true, MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if _, err := o.Advance(ctx); err != nil {
		t.Fatalf("advance 1: %v", err)
	}
	row, err := o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusWaiting || row.Attempt != 1 {
		t.Fatalf("unexpected row before signal: %+v", row)
	}

	if err := o.Signal(ctx, runID, json.RawMessage(`{"text":"stop"}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	row, err = o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusPending || row.Attempt != 1 || string(row.PendingInput) != `{"text":"stop"}` {
		t.Fatalf("unexpected row after signal: %+v", row)
	}

	if _, err := o.Advance(ctx); err != nil {
		t.Fatalf("advance 2: %v", err)
	}
	row, err = o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusIdle || row.Attempt != 0 {
		t.Fatalf("expected idle/attempt=0 after the handler succeeds on the new input, got %+v", row)
	}
}

// Scenario 4: continue chain bounded by drain limit.
func TestScenario_ContinueChainBoundedByDrainLimit(t *testing.T) {
	o := openTestOcean(t, nil, ocean.Options{})
	calls := 0
	o.RegisterClog(&ocean.Clog{
		ID: "chain",
		OnAdvance: func(ctx context.Context, input json.RawMessage, hc ocean.HandlerContext) (ocean.Outcome, error) {
			calls++
			if calls <= 3 {
				next, _ := json.Marshal(map[string]int{"step": calls})
				return ocean.Outcome{Status: ocean.OutcomeContinue, Input: next}, nil
			}
			return ocean.Outcome{Status: ocean.OutcomeOK}, nil
		},
	})

	ctx := context.Background()
	runID, err := o.CreateRun(ctx, "s1", "chain", ocean.CreateRunOptions{
		Input: json.RawMessage(`{"step":0}`), HasInput: true,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	rounds, err := o.Drain(ctx, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if rounds != 2 {
		t.Fatalf("expected exactly 2 rounds under the drain limit, got %d", rounds)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 handler invocations, got %d", calls)
	}

	row, err := o.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusPending {
		t.Fatalf("expected the run to remain pending mid-chain, got %s", row.Status)
	}
	if string(row.PendingInput) != `{"step":2}` {
		t.Fatalf("expected the next continue-input preserved, got %s", row.PendingInput)
	}
}

// Scenario 5: two instances, one run.
func TestScenario_TwoInstancesOneRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocean.db")
	clock := oclock.NewMutable(time.UnixMilli(1_000_000))

	oA, err := ocean.Open(ocean.Options{DBPath: path, InstanceID: "instA", Clock: clock.Now})
	if err != nil {
		t.Fatalf("open A: %v", err)
	}
	defer oA.Close()
	if err := oA.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	oB, err := ocean.Open(ocean.Options{DBPath: path, InstanceID: "instB", Clock: clock.Now})
	if err != nil {
		t.Fatalf("open B: %v", err)
	}
	defer oB.Close()

	handler := func(ctx context.Context, input json.RawMessage, hc ocean.HandlerContext) (ocean.Outcome, error) {
		return ocean.Outcome{Status: ocean.OutcomeOK}, nil
	}
	oA.RegisterClog(&ocean.Clog{ID: "c1", OnAdvance: handler})
	oB.RegisterClog(&ocean.Clog{ID: "c1", OnAdvance: handler})

	ctx := context.Background()
	runID, err := oA.CreateRun(ctx, "s1", "c1", ocean.CreateRunOptions{Input: json.RawMessage(`{}`), HasInput: true})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	reportA, errA := oA.Advance(ctx)
	reportB, errB := oB.Advance(ctx)
	if errA != nil || errB != nil {
		t.Fatalf("advance errors: A=%v B=%v", errA, errB)
	}

	total := reportA.Advanced + reportB.Advanced
	if total != 1 {
		t.Fatalf("expected exactly one winner between the two instances, got A=%d B=%d", reportA.Advanced, reportB.Advanced)
	}

	rowA, err := oA.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run A: %v", err)
	}
	rowB, err := oB.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run B: %v", err)
	}
	if rowA.Status != ocean.StatusIdle || rowB.Status != ocean.StatusIdle {
		t.Fatalf("expected both views to agree on the final idle state, got A=%s B=%s", rowA.Status, rowB.Status)
	}
}

// Scenario 6: stale lock steal. Instance A acquires and consumes the
// pending input but crashes before releasing; instance B's Advance must
// still be able to steal the run once the lock expires. The adapter sees
// no input on B's replay: A's consume durably cleared it before the crash.
func TestScenario_StaleLockSteal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocean.db")
	clock := oclock.NewMutable(time.UnixMilli(1_000_000))
	ctx := context.Background()

	db, err := ostore.Open(path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runs := orun.New(db, clock.Now)
	runID, err := runs.CreateRun(ctx, "s1", "c1", orun.CreateOptions{Input: json.RawMessage(`{"text":"hi"}`), HasInput: true})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	// Instance A acquires and consumes the pending input, then "dies" —
	// never calling Release, so the lock and the consumed-input state sit
	// durably in the database exactly as a crashed process would leave them.
	acquired, err := runs.Acquire(ctx, "instA", 1000)
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if acquired == nil || acquired.RunID != runID {
		t.Fatalf("expected instance A to acquire the run")
	}
	if err := runs.ConsumePendingInput(ctx, runID); err != nil {
		t.Fatalf("consume pending input: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw db: %v", err)
	}

	clock.Advance(2 * time.Second)

	oB, err := ocean.Open(ocean.Options{DBPath: path, InstanceID: "instB", LockMs: 1000, Clock: clock.Now})
	if err != nil {
		t.Fatalf("open B: %v", err)
	}
	defer oB.Close()

	var sawInput json.RawMessage
	oB.RegisterClog(&ocean.Clog{ID: "c1", OnAdvance: func(ctx context.Context, input json.RawMessage, hc ocean.HandlerContext) (ocean.Outcome, error) {
		sawInput = input
		return ocean.Outcome{Status: ocean.OutcomeOK}, nil
	}})

	report, err := oB.Advance(ctx)
	if err != nil {
		t.Fatalf("advance B: %v", err)
	}
	if report.Advanced != 1 {
		t.Fatalf("expected instance B to successfully steal the stale-locked run, got %+v", report)
	}
	// A's in-memory copy of the original input never reached the handler
	// (A died first), and the database's own copy was already nulled out
	// by ConsumePendingInput — B's replay runs with no input at all, which
	// is the durable state the crash actually left behind.
	if sawInput != nil {
		t.Fatalf("expected no pending input to survive A's consume-then-crash, got %s", sawInput)
	}

	row, err := oB.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if row.Status != ocean.StatusIdle {
		t.Fatalf("expected idle after B's replay completes, got %s", row.Status)
	}
}
