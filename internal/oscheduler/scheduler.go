// Package oscheduler implements advance(): acquire one ready run, begin a
// tick, dispatch to the owner's handler, classify the outcome, apply
// retry/backoff, and release atomically. Only one run is advanced per call;
// external drivers (cron, request handlers, a drain helper) call it
// repeatedly until it returns zero.
package oscheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/oevents"
	"github.com/erhathaway/ocean-clog/internal/orun"
	"github.com/erhathaway/ocean-clog/internal/ostore"
	"github.com/erhathaway/ocean-clog/internal/otick"
	"github.com/erhathaway/ocean-clog/internal/otools"
)

// DefaultLockMs is how long a winning acquire holds a run before the lock
// is considered stale and eligible for steal.
const DefaultLockMs = 30_000

// MaxBackoffMs caps the retry backoff.
const MaxBackoffMs = 60_000

// Backoff returns min(1000*2^n, 60000) milliseconds.
func Backoff(attempt int) int64 {
	if attempt <= 0 {
		return 1000
	}
	ms := int64(1000)
	for i := 0; i < attempt && ms < MaxBackoffMs; i++ {
		ms *= 2
	}
	if ms > MaxBackoffMs {
		ms = MaxBackoffMs
	}
	return ms
}

// Result is one run's outcome from a single advance() call. Output carries
// the done outcome's return value; it is nil for every other outcome.
type Result struct {
	RunID   string
	Outcome string
	Output  json.RawMessage
}

// Report is advance()'s return value.
type Report struct {
	Advanced int
	Results  []Result
}

// Scheduler wires the run store, tick/storage layer, event log, and adapter
// registry together into the advance() loop.
type Scheduler struct {
	db         *ostore.DB
	clock      oclock.Clock
	runs       *orun.Store
	events     *oevents.Store
	registry   *otools.Registry
	instanceID string
	lockMs     int64
	maxDepth   int
	log        *slog.Logger
}

// Options configures a Scheduler.
type Options struct {
	InstanceID   string
	LockMs       int64
	MaxPeerDepth int
	Logger       *slog.Logger
}

// New builds a Scheduler.
func New(db *ostore.DB, clock oclock.Clock, runs *orun.Store, events *oevents.Store, registry *otools.Registry, opts Options) *Scheduler {
	lockMs := opts.LockMs
	if lockMs <= 0 {
		lockMs = DefaultLockMs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = oclock.NewID("inst")
	}
	return &Scheduler{
		db: db, clock: clock, runs: runs, events: events, registry: registry,
		instanceID: instanceID, lockMs: lockMs, maxDepth: opts.MaxPeerDepth, log: logger,
	}
}

// InstanceID returns the lock-ownership id this scheduler advances runs
// under, handy for tagging logs with which process did the work.
func (s *Scheduler) InstanceID() string {
	return s.instanceID
}

// Advance performs one logical unit of work: acquire, tick, dispatch,
// classify, release. It advances at most one run per call.
func (s *Scheduler) Advance(ctx context.Context) (Report, error) {
	start := s.clock()
	run, err := s.runs.Acquire(ctx, s.instanceID, s.lockMs)
	if err != nil {
		return Report{}, err
	}
	if run == nil {
		return Report{Advanced: 0, Results: nil}, nil
	}

	var pendingSnapshot = run.PendingInput
	if run.PendingInput != nil {
		if err := s.runs.ConsumePendingInput(ctx, run.RunID); err != nil {
			return Report{}, err
		}
	}

	clog := s.registry.Lookup(run.ClogID)
	if clog == nil || clog.OnAdvance == nil {
		if relErr := s.runs.Release(ctx, run.RunID, orun.ReleasePatch{
			Status:    orun.StatusFailed,
			Attempt:   run.Attempt,
			LastError: sql.NullString{String: "no onAdvance handler", Valid: true},
			Terminal:  true,
		}); relErr != nil {
			return Report{}, relErr
		}
		s.log.Error("advance: no handler", "run_id", run.RunID, "clog_id", run.ClogID)
		return Report{Advanced: 1, Results: []Result{{RunID: run.RunID, Outcome: orun.StatusFailed}}}, nil
	}

	tickID := oclock.NewID("tick")
	now := s.clock().UnixMilli()
	if err := otick.Insert(ctx, s.db, run.RunID, tickID, now); err != nil {
		return Report{}, err
	}

	tickCtx := otick.Context{SessionID: run.SessionID, RunID: run.RunID, TickID: tickID}
	factory := otools.NewFactory(s.db, s.clock, s.events, s.registry, tickCtx, s.maxDepth)
	invoker := factory.For(run.ClogID)

	outcome, handlerErr := s.invokeHandler(ctx, clog.OnAdvance, pendingSnapshot, otools.HandlerContext{Tools: invoker, Attempt: run.Attempt})
	if handlerErr != nil {
		outcome = otools.Outcome{Status: otools.OutcomeRetry, Error: handlerErr.Error()}
	}

	patch := s.applyOutcome(run, outcome)
	if err := s.runs.Release(ctx, run.RunID, patch); err != nil {
		return Report{}, err
	}

	s.log.Info("advance",
		"run_id", run.RunID, "clog_id", run.ClogID, "attempt", run.Attempt,
		"outcome", outcome.Status, "duration_ms", s.clock().Sub(start).Milliseconds(),
	)

	return Report{Advanced: 1, Results: []Result{{RunID: run.RunID, Outcome: outcome.Status, Output: outcome.Output}}}, nil
}

// invokeHandler calls the handler and recovers a panic into a retry
// outcome, matching the contract that a thrown exception becomes
// {status: retry, error: message}.
func (s *Scheduler) invokeHandler(ctx context.Context, h otools.AdvanceHandler, input []byte, hc otools.HandlerContext) (outcome otools.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(panicMessage(r))
		}
	}()
	return h(ctx, input, hc)
}

func panicMessage(r any) string {
	if e, ok := r.(error); ok {
		return e.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "panic in advance handler"
}

// applyOutcome maps an outcome to the signal-absent release patch. Release
// itself folds in the signal-present effect atomically if pendingInput was
// written during the tick; Terminal patches (done, failed, unknown status)
// are applied as-is even when a signal raced in.
func (s *Scheduler) applyOutcome(run *orun.Row, outcome otools.Outcome) orun.ReleasePatch {
	switch outcome.Status {
	case otools.OutcomeOK:
		return orun.ReleasePatch{Status: orun.StatusIdle, Attempt: 0}

	case otools.OutcomeDone:
		return orun.ReleasePatch{Status: orun.StatusDone, Attempt: 0, Terminal: true}

	case otools.OutcomeContinue:
		return orun.ReleasePatch{Status: orun.StatusPending, Attempt: 0, PendingInput: outcome.Input}

	case otools.OutcomeWait:
		return orun.ReleasePatch{
			Status: orun.StatusWaiting, Attempt: 0,
			WakeAt: sql.NullInt64{Int64: outcome.WakeAt, Valid: true},
		}

	case otools.OutcomeRetry:
		nextAttempt := run.Attempt + 1
		if nextAttempt >= run.MaxAttempts {
			return orun.ReleasePatch{
				Status: orun.StatusFailed, Attempt: nextAttempt,
				LastError: sql.NullString{String: outcome.Error, Valid: true},
			}
		}
		wake := s.clock().UnixMilli() + Backoff(nextAttempt)
		return orun.ReleasePatch{
			Status: orun.StatusWaiting, Attempt: nextAttempt,
			WakeAt:       sql.NullInt64{Int64: wake, Valid: true},
			LastError:    sql.NullString{String: outcome.Error, Valid: true},
			PendingInput: run.PendingInput, // restore pre-consumed input for the retried attempt
		}

	case otools.OutcomeFailed:
		return orun.ReleasePatch{
			Status: orun.StatusFailed, Attempt: run.Attempt,
			LastError: sql.NullString{String: outcome.Error, Valid: true},
			Terminal:  true,
		}

	default:
		return orun.ReleasePatch{
			Status: orun.StatusFailed, Attempt: run.Attempt,
			LastError: sql.NullString{String: "unknown outcome status: " + outcome.Status, Valid: true},
			Terminal:  true,
		}
	}
}

// Drain calls Advance repeatedly until it returns advanced=0 or maxRounds
// is reached (0 means unbounded). It is the ambient helper
// cron.Scheduler-style callers and the daemon use to pump work.
func (s *Scheduler) Drain(ctx context.Context, maxRounds int) (int, error) {
	rounds := 0
	for maxRounds <= 0 || rounds < maxRounds {
		report, err := s.Advance(ctx)
		if err != nil {
			return rounds, err
		}
		if report.Advanced == 0 {
			return rounds, nil
		}
		rounds++
	}
	return rounds, nil
}
