// Package ocean is a persistence-first execution substrate for resumable,
// long-lived computations ("runs") that make bounded progress in discrete
// units ("ticks"). There is no long-running process and no in-memory state
// between invocations: every piece of durable state lives in one SQLite
// database, and forward progress is driven opportunistically by whatever
// caller invokes Advance — an HTTP request, a cron tick, a webhook.
package ocean

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/oevents"
	"github.com/erhathaway/ocean-clog/internal/operr"
	"github.com/erhathaway/ocean-clog/internal/orun"
	"github.com/erhathaway/ocean-clog/internal/oscheduler"
	"github.com/erhathaway/ocean-clog/internal/ostore"
	"github.com/erhathaway/ocean-clog/internal/otick"
	"github.com/erhathaway/ocean-clog/internal/otools"
)

// Re-exported types so callers never need to import internal packages.
type (
	// ToolError is the structured error tool calls and the scheduler
	// surface instead of sentinel strings. Use errors.As to branch on Code.
	ToolError = operr.ToolError

	// Endpoint is a named handler a clog exposes for peer calls.
	Endpoint = otools.Endpoint

	// Invoker is the tool-call surface passed to endpoints and, via
	// HandlerContext, to advance handlers.
	Invoker = otools.Invoker

	// HandlerContext is passed to every advance handler invocation.
	HandlerContext = otools.HandlerContext

	// AdvanceHandler is the contract a clog registers to be dispatched
	// when one of its runs becomes eligible.
	AdvanceHandler = otools.AdvanceHandler

	// Outcome is the tagged return of an advance handler.
	Outcome = otools.Outcome

	// ReadPlan is one entry of a read_scoped call.
	ReadPlan = otick.ReadPlan

	// SnapshotItem is one row of a read_scoped result.
	SnapshotItem = otick.SnapshotItem

	// WriteOp is one entry of a write_scoped call.
	WriteOp = otick.WriteOp

	// RunRow is the full durable snapshot of a run.
	RunRow = orun.Row

	// Event is one row of the append-only event log.
	Event = oevents.Event

	// Clog is an adapter registration: an id, named endpoints, and an
	// optional advance handler.
	Clog = otools.Clog
)

// Tool error codes, re-exported for errors.Is/As-free string comparison
// where callers prefer it.
const (
	CodeRBWViolation      = operr.CodeRBWViolation
	CodeReadAlreadyCalled = operr.CodeReadAlreadyCalled
	CodeWriteAlreadyCalled = operr.CodeWriteAlreadyCalled
	CodeWriteBeforeRead    = operr.CodeWriteBeforeRead
	CodeInvalidScope       = operr.CodeInvalidScope
	CodeUnknownTool        = operr.CodeUnknownTool
	CodeUnknownEndpoint    = operr.CodeUnknownEndpoint
	CodeUnknownClog        = operr.CodeUnknownClog
	CodePeerDepthExceeded  = operr.CodePeerDepthExceeded
)

// Outcome status constants.
const (
	OutcomeOK       = otools.OutcomeOK
	OutcomeDone     = otools.OutcomeDone
	OutcomeContinue = otools.OutcomeContinue
	OutcomeWait     = otools.OutcomeWait
	OutcomeRetry    = otools.OutcomeRetry
	OutcomeFailed   = otools.OutcomeFailed
)

// Event scope kinds.
const (
	ScopeGlobal  = oevents.ScopeGlobal
	ScopeSession = oevents.ScopeSession
	ScopeRun     = oevents.ScopeRun
	ScopeTick    = oevents.ScopeTick
)

// Run status values.
const (
	StatusIdle    = orun.StatusIdle
	StatusPending = orun.StatusPending
	StatusActive  = orun.StatusActive
	StatusWaiting = orun.StatusWaiting
	StatusDone    = orun.StatusDone
	StatusFailed  = orun.StatusFailed
)

// Options configures Open. The core library never reads environment
// variables directly, to stay embeddable — ambient config loading (YAML,
// env overrides) is the concern of cmd/oceand, not this package.
type Options struct {
	// DBPath is the SQLite file path, or ":memory:" for an ephemeral
	// in-process database (tests only — there is nothing to resume from
	// between process restarts against an in-memory database).
	DBPath string

	// InstanceID identifies this process's lock ownership. Defaults to a
	// fresh oclock.NewID("inst") if empty.
	InstanceID string

	// LockMs is how long Advance holds a run's lock. Defaults to 30s.
	LockMs int64

	// MaxPeerDepth bounds recursive ocean.clog.call chains. Defaults to 8.
	MaxPeerDepth int

	// Clock overrides time.Now; tests use this to fast-forward backoff,
	// wake, and TTL without real sleeps.
	Clock oclock.Clock

	// Logger receives one structured line per run advance() ticks (none
	// when no run is eligible). Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Ocean is an open handle onto one SQLite-backed substrate. It owns the
// single *sql.DB connection, the adapter registry, and the scheduler.
type Ocean struct {
	db        *ostore.DB
	clock     oclock.Clock
	runs      *orun.Store
	events    *oevents.Store
	registry  *otools.Registry
	scheduler *oscheduler.Scheduler
}

// Open opens (and does not migrate) the database at opts.DBPath.
func Open(opts Options) (*Ocean, error) {
	db, err := ostore.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("ocean: open: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = oclock.Real()
	}

	runs := orun.New(db, clock)
	events := oevents.New(db, clock)
	registry := otools.NewRegistry()

	sched := oscheduler.New(db, clock, runs, events, registry, oscheduler.Options{
		InstanceID:   opts.InstanceID,
		LockMs:       opts.LockMs,
		MaxPeerDepth: opts.MaxPeerDepth,
		Logger:       opts.Logger,
	})

	return &Ocean{db: db, clock: clock, runs: runs, events: events, registry: registry, scheduler: sched}, nil
}

// Close releases the underlying database connection.
func (o *Ocean) Close() error {
	return o.db.Close()
}

// InstanceID returns the lock-ownership id this Ocean advances runs under.
func (o *Ocean) InstanceID() string {
	return o.scheduler.InstanceID()
}

// Migrate applies the schema. It is idempotent and safe to call from every
// process on every boot.
func (o *Ocean) Migrate(ctx context.Context) error {
	return o.db.Migrate(ctx)
}

// Ping checks the database connection is alive, for liveness probes.
func (o *Ocean) Ping(ctx context.Context) error {
	return o.db.PingContext(ctx)
}

// RegisterClog adds or replaces an adapter registration. The registry is
// process-wide and read-only once advance() calls begin.
func (o *Ocean) RegisterClog(clog *Clog) {
	o.registry.Register(clog)
}

// CreateRunOptions configures CreateRun.
type CreateRunOptions struct {
	// Input is the initial signal. Supply HasInput=true to set it, even to
	// an explicit JSON null — omitting HasInput yields status=idle.
	Input       json.RawMessage
	HasInput    bool
	InitialState json.RawMessage
	MaxAttempts  int
}

// CreateRun creates the session (if absent) and a run owned by clogID.
func (o *Ocean) CreateRun(ctx context.Context, sessionID, clogID string, opts CreateRunOptions) (string, error) {
	return o.runs.CreateRun(ctx, sessionID, clogID, orun.CreateOptions{
		Input: opts.Input, HasInput: opts.HasInput,
		InitialState: opts.InitialState, MaxAttempts: opts.MaxAttempts,
	})
}

// Signal enqueues input into a run, per the terminal-absorption and
// non-terminal pending-flip rules in the run state machine.
func (o *Ocean) Signal(ctx context.Context, runID string, input json.RawMessage) error {
	return o.runs.Signal(ctx, runID, input)
}

// Advance performs one logical unit of work: acquire one ready run, build
// a tick, dispatch to its owner's handler, classify the outcome, release.
// At most one run is advanced per call.
func (o *Ocean) Advance(ctx context.Context) (Report, error) {
	r, err := o.scheduler.Advance(ctx)
	if err != nil {
		return Report{}, err
	}
	return Report{Advanced: r.Advanced, Results: toResults(r.Results)}, nil
}

// Drain calls Advance repeatedly until it returns advanced=0 or maxRounds
// is reached (0 means unbounded).
func (o *Ocean) Drain(ctx context.Context, maxRounds int) (int, error) {
	return o.scheduler.Drain(ctx, maxRounds)
}

// Report is Advance's return value.
type Report struct {
	Advanced int
	Results  []ResultEntry
}

// ResultEntry is one run's outcome from a single Advance call. Output
// carries the done outcome's return value; callers that need it read it
// off this field rather than a separate fetch.
type ResultEntry struct {
	RunID   string
	Outcome string
	Output  json.RawMessage
}

func toResults(in []oscheduler.Result) []ResultEntry {
	if in == nil {
		return nil
	}
	out := make([]ResultEntry, len(in))
	for i, r := range in {
		out[i] = ResultEntry{RunID: r.RunID, Outcome: r.Outcome, Output: r.Output}
	}
	return out
}

// GetRun is a pure read.
func (o *Ocean) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	row, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		if err == orun.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// ListRunsBySession returns every run under sessionID, oldest first.
func (o *Ocean) ListRunsBySession(ctx context.Context, sessionID string) ([]*RunRow, error) {
	return o.runs.ListRunsBySession(ctx, sessionID)
}

// ReadEventsOptions configures ReadEvents.
type ReadEventsOptions struct {
	Scope    string // "global", "session", "run", "tick"
	ID       string // sessionId, runId, or tickId; ignored for global
	AfterSeq int64
	Limit    int
}

// ReadEvents returns events with seq > opts.AfterSeq, filtered by
// opts.Scope, ordered by seq ascending.
func (o *Ocean) ReadEvents(ctx context.Context, opts ReadEventsOptions) ([]*Event, error) {
	return o.events.ReadByScope(ctx, opts.Scope, opts.ID, opts.AfterSeq, opts.Limit)
}

// GCEventsIfDue sweeps events older than ttlMs, at most once per
// minIntervalMs (oevents.DefaultGCMinInterval if <= 0).
func (o *Ocean) GCEventsIfDue(ctx context.Context, ttlMs, minIntervalMs int64) (int64, error) {
	return o.events.GCIfDue(ctx, ttlMs, minIntervalMs)
}

// CallClog directly invokes a registered endpoint, bypassing the run state
// machine entirely. Per the open design question on direct invocation, this
// is an independent surface with no lock semantics — callers are
// responsible for not interleaving it with an in-flight advance() tick
// against the same run.
func (o *Ocean) CallClog(ctx context.Context, runID, tickID, clogID, method string, payload json.RawMessage) (json.RawMessage, error) {
	row, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	factory := otools.NewFactory(o.db, o.clock, o.events, o.registry, otick.Context{
		SessionID: row.SessionID, RunID: runID, TickID: tickID,
	}, 0)
	return factory.Invoke(ctx, clogID, method, payload)
}
