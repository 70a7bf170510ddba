package otick

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/operr"
	"github.com/erhathaway/ocean-clog/internal/ostore"
)

type tickRowKey struct {
	RunID, TickID, RowID string
}

// ledger is the tick-local, per-adapter record of what has been read this
// tick. It is never persisted — it lives only for the lifetime of one
// advance() call (or one peer invocation, which gets its own empty ledger)
// and is the authorization artifact write_scoped consults.
type ledger struct {
	global   bool
	sessions map[string]bool
	runs     map[string]bool
	tickRows map[tickRowKey]bool
}

func newLedger() ledger {
	return ledger{
		sessions: map[string]bool{},
		runs:     map[string]bool{},
		tickRows: map[tickRowKey]bool{},
	}
}

// Scoped is a fresh, per-adapter, per-tick (or per-peer-call) handle onto
// scoped storage. Its budget (one read, one write) and ledger are entirely
// in-memory and die with the handle; constructing a new Scoped for a peer
// call is how peer calls get independent budgets within a shared tick.
type Scoped struct {
	db     *ostore.DB
	clock  oclock.Clock
	clogID string
	ctx    Context

	ledger      ledger
	readCalled  bool
	writeCalled bool
}

// NewScoped builds a Scoped bound to clogID and the given tick context.
func NewScoped(db *ostore.DB, clock oclock.Clock, clogID string, ctx Context) *Scoped {
	return &Scoped{db: db, clock: clock, clogID: clogID, ctx: ctx, ledger: newLedger()}
}

// ReadScoped executes every plan and records non-history plans into the
// ledger. The budget is consumed by the call itself, not by its success —
// a scope-mismatched call still spends the one read_scoped invocation an
// adapter gets this tick.
func (s *Scoped) ReadScoped(ctx context.Context, plans []ReadPlan) ([]SnapshotItem, error) {
	if s.readCalled {
		return nil, operr.New(operr.CodeReadAlreadyCalled, "read_scoped already called this tick")
	}
	s.readCalled = true

	var out []SnapshotItem
	for _, plan := range plans {
		switch plan.Kind {
		case PlanGlobal:
			item, err := s.readGlobal(ctx)
			if err != nil {
				return nil, err
			}
			s.ledger.global = true
			out = append(out, item)

		case PlanSession:
			if plan.SessionID != s.ctx.SessionID {
				return nil, operr.New(operr.CodeInvalidScope, "session plan sessionId does not match tick context")
			}
			item, err := s.readSession(ctx, plan.SessionID)
			if err != nil {
				return nil, err
			}
			s.ledger.sessions[plan.SessionID] = true
			out = append(out, item)

		case PlanRun:
			if plan.RunID != s.ctx.RunID {
				return nil, operr.New(operr.CodeInvalidScope, "run plan runId does not match tick context")
			}
			item, err := s.readRun(ctx, plan.RunID)
			if err != nil {
				return nil, err
			}
			s.ledger.runs[plan.RunID] = true
			out = append(out, item)

		case PlanTickRows:
			if plan.RunID != s.ctx.RunID || plan.TickID != s.ctx.TickID {
				return nil, operr.New(operr.CodeInvalidScope, "tickRows plan (runId,tickId) does not match tick context")
			}
			for _, rowID := range plan.RowIDs {
				item, err := s.readTickRow(ctx, plan.RunID, plan.TickID, rowID)
				if err != nil {
					return nil, err
				}
				s.ledger.tickRows[tickRowKey{plan.RunID, plan.TickID, rowID}] = true
				out = append(out, item)
			}

		case PlanHistoryTicksForRun:
			items, err := s.readHistory(ctx, plan)
			if err != nil {
				return nil, err
			}
			out = append(out, items...)

		default:
			return nil, operr.New(operr.CodeInvalidScope, fmt.Sprintf("unknown read plan kind %q", plan.Kind))
		}
	}
	return out, nil
}

// WriteScoped validates every op against the ledger before applying any,
// then applies all of them inside one transaction.
func (s *Scoped) WriteScoped(ctx context.Context, ops []WriteOp) (int, error) {
	if !s.readCalled {
		return 0, operr.New(operr.CodeWriteBeforeRead, "write_scoped called before read_scoped")
	}
	if s.writeCalled {
		return 0, operr.New(operr.CodeWriteAlreadyCalled, "write_scoped already called this tick")
	}
	s.writeCalled = true

	for _, op := range ops {
		if err := s.validateOp(op); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("otick: begin write_scoped tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock().UnixMilli()
	applied := 0
	for _, op := range ops {
		if err := s.applyOp(ctx, tx, op, now); err != nil {
			return 0, fmt.Errorf("otick: apply op %s: %w", op.Kind, err)
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("otick: commit write_scoped: %w", err)
	}
	return applied, nil
}

func (s *Scoped) validateOp(op WriteOp) error {
	switch op.Kind {
	case OpGlobalSet, OpGlobalClear:
		if !s.ledger.global {
			return operr.New(operr.CodeRBWViolation, "global row was not read this tick")
		}
	case OpSessionSet, OpSessionClear, OpSessionDelete:
		if op.SessionID != s.ctx.SessionID {
			return operr.New(operr.CodeInvalidScope, "session op sessionId does not match tick context")
		}
		if !s.ledger.sessions[op.SessionID] {
			return operr.New(operr.CodeRBWViolation, "session row was not read this tick")
		}
	case OpRunSet, OpRunClear, OpRunDelete:
		if op.RunID != s.ctx.RunID {
			return operr.New(operr.CodeInvalidScope, "run op runId does not match tick context")
		}
		if !s.ledger.runs[op.RunID] {
			return operr.New(operr.CodeRBWViolation, "run row was not read this tick")
		}
	case OpTickSet, OpTickDel:
		if op.RunID != s.ctx.RunID || op.TickID != s.ctx.TickID {
			return operr.New(operr.CodeInvalidScope, "tick op (runId,tickId) does not match tick context")
		}
		if !s.ledger.tickRows[tickRowKey{op.RunID, op.TickID, op.RowID}] {
			return operr.New(operr.CodeRBWViolation, "tick row was not read this tick")
		}
	case OpTickDelete:
		if op.RunID != s.ctx.RunID || op.TickID != s.ctx.TickID {
			return operr.New(operr.CodeInvalidScope, "tick.delete (runId,tickId) does not match tick context")
		}
		if !s.anyTickRowRead(op.RunID, op.TickID) {
			return operr.New(operr.CodeRBWViolation, "no row of this tick was read this tick")
		}
	default:
		return operr.New(operr.CodeInvalidScope, fmt.Sprintf("unknown write op kind %q", op.Kind))
	}
	return nil
}

func (s *Scoped) anyTickRowRead(runID, tickID string) bool {
	for k := range s.ledger.tickRows {
		if k.RunID == runID && k.TickID == tickID {
			return true
		}
	}
	return false
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Scoped) applyOp(ctx context.Context, tx execer, op WriteOp, now int64) error {
	switch op.Kind {
	case OpGlobalSet:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ocean_storage_global (clog_id, value, updated_ts) VALUES (?, ?, ?)
			ON CONFLICT(clog_id) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts;
		`, s.clogID, string(op.Value), now)
		return err
	case OpGlobalClear:
		_, err := tx.ExecContext(ctx, `DELETE FROM ocean_storage_global WHERE clog_id = ?;`, s.clogID)
		return err
	case OpSessionSet:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ocean_storage_session (clog_id, session_id, value, updated_ts) VALUES (?, ?, ?, ?)
			ON CONFLICT(clog_id, session_id) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts;
		`, s.clogID, op.SessionID, string(op.Value), now)
		return err
	case OpSessionClear:
		_, err := tx.ExecContext(ctx, `DELETE FROM ocean_storage_session WHERE clog_id = ? AND session_id = ?;`, s.clogID, op.SessionID)
		return err
	case OpSessionDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM ocean_sessions WHERE session_id = ?;`, op.SessionID)
		return err
	case OpRunSet:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ocean_storage_run (clog_id, run_id, value, updated_ts) VALUES (?, ?, ?, ?)
			ON CONFLICT(clog_id, run_id) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts;
		`, s.clogID, op.RunID, string(op.Value), now)
		return err
	case OpRunClear:
		_, err := tx.ExecContext(ctx, `DELETE FROM ocean_storage_run WHERE clog_id = ? AND run_id = ?;`, s.clogID, op.RunID)
		return err
	case OpRunDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?;`, op.RunID)
		return err
	case OpTickSet:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ocean_storage_tick (clog_id, run_id, tick_id, row_id, value, updated_ts) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(clog_id, run_id, tick_id, row_id) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts;
		`, s.clogID, op.RunID, op.TickID, op.RowID, string(op.Value), now)
		return err
	case OpTickDel:
		_, err := tx.ExecContext(ctx, `
			DELETE FROM ocean_storage_tick WHERE clog_id = ? AND run_id = ? AND tick_id = ? AND row_id = ?;
		`, s.clogID, op.RunID, op.TickID, op.RowID)
		return err
	case OpTickDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM ocean_ticks WHERE run_id = ? AND tick_id = ?;`, op.RunID, op.TickID)
		return err
	default:
		return fmt.Errorf("unreachable op kind %q", op.Kind)
	}
}

func (s *Scoped) readGlobal(ctx context.Context) (SnapshotItem, error) {
	var value string
	var updatedTs int64
	err := s.db.QueryRowContext(ctx, `SELECT value, updated_ts FROM ocean_storage_global WHERE clog_id = ?;`, s.clogID).Scan(&value, &updatedTs)
	if err == sql.ErrNoRows {
		return SnapshotItem{Kind: PlanGlobal, Found: false}, nil
	}
	if err != nil {
		return SnapshotItem{}, fmt.Errorf("otick: read global: %w", err)
	}
	return SnapshotItem{Kind: PlanGlobal, Found: true, Value: []byte(value), UpdatedTs: updatedTs}, nil
}

func (s *Scoped) readSession(ctx context.Context, sessionID string) (SnapshotItem, error) {
	var value string
	var updatedTs int64
	err := s.db.QueryRowContext(ctx, `SELECT value, updated_ts FROM ocean_storage_session WHERE clog_id = ? AND session_id = ?;`, s.clogID, sessionID).Scan(&value, &updatedTs)
	if err == sql.ErrNoRows {
		return SnapshotItem{Kind: PlanSession, SessionID: sessionID, Found: false}, nil
	}
	if err != nil {
		return SnapshotItem{}, fmt.Errorf("otick: read session: %w", err)
	}
	return SnapshotItem{Kind: PlanSession, SessionID: sessionID, Found: true, Value: []byte(value), UpdatedTs: updatedTs}, nil
}

func (s *Scoped) readRun(ctx context.Context, runID string) (SnapshotItem, error) {
	var value string
	var updatedTs int64
	err := s.db.QueryRowContext(ctx, `SELECT value, updated_ts FROM ocean_storage_run WHERE clog_id = ? AND run_id = ?;`, s.clogID, runID).Scan(&value, &updatedTs)
	if err == sql.ErrNoRows {
		return SnapshotItem{Kind: PlanRun, RunID: runID, Found: false}, nil
	}
	if err != nil {
		return SnapshotItem{}, fmt.Errorf("otick: read run: %w", err)
	}
	return SnapshotItem{Kind: PlanRun, RunID: runID, Found: true, Value: []byte(value), UpdatedTs: updatedTs}, nil
}

func (s *Scoped) readTickRow(ctx context.Context, runID, tickID, rowID string) (SnapshotItem, error) {
	var value string
	var updatedTs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_ts FROM ocean_storage_tick
		WHERE clog_id = ? AND run_id = ? AND tick_id = ? AND row_id = ?;
	`, s.clogID, runID, tickID, rowID).Scan(&value, &updatedTs)
	if err == sql.ErrNoRows {
		return SnapshotItem{Kind: PlanTickRows, RunID: runID, TickID: tickID, RowID: rowID, Found: false}, nil
	}
	if err != nil {
		return SnapshotItem{}, fmt.Errorf("otick: read tick row: %w", err)
	}
	return SnapshotItem{Kind: PlanTickRows, RunID: runID, TickID: tickID, RowID: rowID, Found: true, Value: []byte(value), UpdatedTs: updatedTs}, nil
}

// readHistory returns up to plan.LimitTicks distinct ticks for plan.RunID,
// most-recently-updated first by default, with each tick's requested rows
// (or all rows, if plan.RowIDs is empty). It never records into the ledger.
func (s *Scoped) readHistory(ctx context.Context, plan ReadPlan) ([]SnapshotItem, error) {
	limit := plan.LimitTicks
	if limit <= 0 {
		limit = 20
	}
	order := "DESC"
	if plan.Order == "asc" {
		order = "ASC"
	}

	tickRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tick_id, MAX(updated_ts) AS latest FROM ocean_storage_tick
		WHERE clog_id = ? AND run_id = ?
		GROUP BY tick_id
		ORDER BY latest %s
		LIMIT ?;
	`, order), s.clogID, plan.RunID, limit)
	if err != nil {
		return nil, fmt.Errorf("otick: list history ticks: %w", err)
	}
	defer tickRows.Close()

	type tickRef struct {
		TickID    string
		UpdatedTs int64
	}
	var ticks []tickRef
	for tickRows.Next() {
		var t tickRef
		if err := tickRows.Scan(&t.TickID, &t.UpdatedTs); err != nil {
			return nil, fmt.Errorf("otick: scan history tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	if err := tickRows.Err(); err != nil {
		return nil, err
	}

	var out []SnapshotItem
	for _, t := range ticks {
		rowIDs := plan.RowIDs
		if len(rowIDs) == 0 {
			rowIDs, err = s.listTickRowIDs(ctx, plan.RunID, t.TickID)
			if err != nil {
				return nil, err
			}
		}
		for _, rowID := range rowIDs {
			item, err := s.readTickRow(ctx, plan.RunID, t.TickID, rowID)
			if err != nil {
				return nil, err
			}
			item.Kind = PlanHistoryTicksForRun
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Scoped) listTickRowIDs(ctx context.Context, runID, tickID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id FROM ocean_storage_tick WHERE clog_id = ? AND run_id = ? AND tick_id = ?;
	`, s.clogID, runID, tickID)
	if err != nil {
		return nil, fmt.Errorf("otick: list tick row ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
