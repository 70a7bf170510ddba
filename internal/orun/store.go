// Package orun implements the run state machine: durable CRUD plus the two
// atomic primitives (acquire, release) the scheduler relies on to avoid
// double-dispatch and to fold signals that arrive mid-tick into the release
// write. Every other business-rule package (internal/otick,
// internal/oscheduler) is built on top of this one.
package orun

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/ostore"
)

// Status values a run's status column may hold. Only createRun, signal, and
// outcome application ever write this column.
const (
	StatusIdle    = "idle"
	StatusPending = "pending"
	StatusActive  = "active"
	StatusWaiting = "waiting"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrNotFound is returned by operations that target a run id with no row.
var ErrNotFound = errors.New("orun: run not found")

// Row is the full durable snapshot of a run.
type Row struct {
	RunID         string
	SessionID     string
	ClogID        string
	Status        string
	State         json.RawMessage
	LockedBy      sql.NullString
	LockExpiresAt sql.NullInt64
	Attempt       int
	MaxAttempts   int
	WakeAt        sql.NullInt64
	PendingInput  json.RawMessage
	LastError     sql.NullString
	CreatedTs     int64
	UpdatedTs     int64
}

// IsTerminal reports whether status is a terminal state.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// Store is the run store over a *ostore.DB.
type Store struct {
	db    *ostore.DB
	clock oclock.Clock
}

// New builds a Store backed by db, reading time through clock.
func New(db *ostore.DB, clock oclock.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// CreateOptions configures CreateRun.
type CreateOptions struct {
	Input        json.RawMessage // nil means "no initial input" (status=idle)
	HasInput     bool            // distinguishes "no input" from "input=null"
	InitialState json.RawMessage
	MaxAttempts  int
}

// CreateRun creates the session (if absent) and a run owned by clogID. If
// opts.HasInput is true (including an explicit JSON null), the run starts
// pending with that input; otherwise it starts idle.
func (s *Store) CreateRun(ctx context.Context, sessionID, clogID string, opts CreateOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	state := opts.InitialState
	if state == nil {
		state = json.RawMessage(`{}`)
	}

	runID := oclock.NewID("run")
	now := s.clock().UnixMilli()

	status := StatusIdle
	var pendingInput json.RawMessage
	if opts.HasInput {
		status = StatusPending
		pendingInput = opts.Input
		if pendingInput == nil {
			pendingInput = json.RawMessage(`null`)
		}
	}

	err := ostore.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ocean_sessions (session_id, created_ts)
			VALUES (?, ?)
			ON CONFLICT(session_id) DO NOTHING;
		`, sessionID, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (
				run_id, session_id, clog_id, status, state,
				locked_by, lock_expires_at, attempt, max_attempts,
				wake_at, pending_input, last_error, created_ts, updated_ts
			) VALUES (?, ?, ?, ?, ?, NULL, NULL, 0, ?, NULL, ?, NULL, ?, ?);
		`, runID, sessionID, clogID, status, string(state), maxAttempts, nullableJSON(pendingInput), now, now); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}

const runColumns = `run_id, session_id, clog_id, status, state, locked_by, lock_expires_at,
	attempt, max_attempts, wake_at, pending_input, last_error, created_ts, updated_ts`

func scanRun(row interface{ Scan(...interface{}) error }) (*Row, error) {
	var r Row
	var state string
	if err := row.Scan(
		&r.RunID, &r.SessionID, &r.ClogID, &r.Status, &state,
		&r.LockedBy, &r.LockExpiresAt,
		&r.Attempt, &r.MaxAttempts, &r.WakeAt, &nullString{&r.PendingInput}, &r.LastError,
		&r.CreatedTs, &r.UpdatedTs,
	); err != nil {
		return nil, err
	}
	r.State = json.RawMessage(state)
	return &r, nil
}

// nullString adapts a json.RawMessage destination to database/sql's Scanner
// protocol so a SQL NULL becomes a nil RawMessage instead of an error.
type nullString struct {
	dest *json.RawMessage
}

func (n *nullString) Scan(src interface{}) error {
	if src == nil {
		*n.dest = nil
		return nil
	}
	switch v := src.(type) {
	case string:
		*n.dest = json.RawMessage(v)
	case []byte:
		*n.dest = json.RawMessage(append([]byte(nil), v...))
	default:
		return fmt.Errorf("orun: unsupported scan source %T", src)
	}
	return nil
}

// GetRun is a pure read.
func (s *Store) GetRun(ctx context.Context, runID string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?;`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orun: get run: %w", err)
	}
	return r, nil
}

// ListRunsBySession returns every run under sessionID, oldest first.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY created_ts ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orun: list runs: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("orun: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Signal enqueues input into a run. Terminal runs absorb the signal silently:
// their status, pending_input and updated_ts are all left unchanged.
func (s *Store) Signal(ctx context.Context, runID string, input json.RawMessage) error {
	if input == nil {
		input = json.RawMessage(`null`)
	}
	inputArg := nullableJSON(input)
	return ostore.RetryOnBusy(ctx, 5, func() error {
		now := s.clock().UnixMilli()
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET
				pending_input = CASE WHEN status IN ('done','failed') THEN pending_input ELSE ? END,
				status = CASE WHEN status IN ('idle','waiting') THEN 'pending' ELSE status END,
				updated_ts = CASE WHEN status IN ('done','failed') THEN updated_ts ELSE ? END
			WHERE run_id = ?;
		`, inputArg, now, runID)
		if err != nil {
			return fmt.Errorf("orun: signal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Acquire atomically selects and locks one eligible run for instanceID. A
// run is eligible when status=pending, or status=waiting with wakeAt<=now,
// or status=active with an expired lock (choice (ii) of the stale-lock
// open question: the active marker is treated as "lock held", so an
// expired lock on an active-looking row makes it eligible again) — and in
// every case the row's lock must be absent or expired. Returns nil, nil if
// no row is eligible.
func (s *Store) Acquire(ctx context.Context, instanceID string, lockMs int64) (*Row, error) {
	var out *Row
	err := ostore.RetryOnBusy(ctx, 5, func() error {
		now := s.clock().UnixMilli()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE (
				status = 'pending'
				OR (status = 'waiting' AND wake_at <= ?)
				OR (status = 'active' AND lock_expires_at <= ?)
			)
			AND (locked_by IS NULL OR lock_expires_at <= ?)
			ORDER BY created_ts ASC
			LIMIT 1;
		`, now, now, now)
		snapshot, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("orun: select eligible run: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET locked_by = ?, lock_expires_at = ?, updated_ts = ?
			WHERE run_id = ?
			AND (
				status = 'pending'
				OR (status = 'waiting' AND wake_at <= ?)
				OR (status = 'active' AND lock_expires_at <= ?)
			)
			AND (locked_by IS NULL OR lock_expires_at <= ?);
		`, instanceID, now+lockMs, now, snapshot.RunID, now, now, now)
		if err != nil {
			return fmt.Errorf("orun: lock run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Another instance won the race between our SELECT and UPDATE.
			out = nil
			return tx.Commit()
		}
		out = snapshot
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConsumePendingInput nulls out pendingInput immediately after Acquire so
// that any signal landing during handler execution is distinguishable at
// release time from the input the handler was already given.
func (s *Store) ConsumePendingInput(ctx context.Context, runID string) error {
	return ostore.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE runs SET pending_input = NULL WHERE run_id = ?;`, runID)
		if err != nil {
			return fmt.Errorf("orun: consume pending input: %w", err)
		}
		return nil
	})
}

// ReleasePatch is the caller-supplied state to apply when no signal arrived
// during the tick. PendingInput follows the same nil-means-absent convention
// as CreateOptions.Input: a nil slice clears pending_input to true SQL NULL
// (the "no pending input" outcomes — ok, done, wait, failed); a non-nil
// slice, even json.RawMessage("null"), persists that JSON text as a present
// value (the "continue" and restored-retry outcomes). When a signal did
// arrive, Release ignores this patch and applies the fixed signal-present
// effect instead (see package doc) — unless Terminal is set, in which case
// the patch always wins: done and explicit failed are terminal outcomes a
// mid-tick signal cannot reopen, so Release must not fold the signal in
// regardless of what pending_input holds.
type ReleasePatch struct {
	Status       string
	Attempt      int
	WakeAt       sql.NullInt64
	LastError    sql.NullString
	PendingInput json.RawMessage
	Terminal     bool
}

// Release atomically clears the lock and applies either patch (no signal
// arrived, or the outcome is Terminal) or the fixed signal-present effect (a
// signal landed mid-tick and the outcome is not Terminal), deciding between
// them in the same UPDATE that performs the write so there is no window
// between "check" and "clear" a concurrent signal could land in.
func (s *Store) Release(ctx context.Context, runID string, patch ReleasePatch) error {
	pendingArg := nullableJSON(patch.PendingInput)
	return ostore.RetryOnBusy(ctx, 5, func() error {
		now := s.clock().UnixMilli()
		var (
			res sql.Result
			err error
		)
		if patch.Terminal {
			res, err = s.db.ExecContext(ctx, `
				UPDATE runs SET
					status = ?,
					attempt = ?,
					wake_at = ?,
					last_error = ?,
					pending_input = ?,
					locked_by = NULL,
					lock_expires_at = NULL,
					updated_ts = ?
				WHERE run_id = ?;
			`, patch.Status, patch.Attempt, patch.WakeAt, patch.LastError, pendingArg, now, runID)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE runs SET
					status = CASE WHEN pending_input IS NOT NULL THEN 'pending' ELSE ? END,
					attempt = CASE WHEN pending_input IS NOT NULL THEN 0 ELSE ? END,
					wake_at = CASE WHEN pending_input IS NOT NULL THEN NULL ELSE ? END,
					last_error = CASE WHEN pending_input IS NOT NULL THEN NULL ELSE ? END,
					pending_input = CASE WHEN pending_input IS NOT NULL THEN pending_input ELSE ? END,
					locked_by = NULL,
					lock_expires_at = NULL,
					updated_ts = ?
				WHERE run_id = ?;
			`, patch.Status, patch.Attempt, patch.WakeAt, patch.LastError, pendingArg, now, runID)
		}
		if err != nil {
			return fmt.Errorf("orun: release: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteRun removes a run; tick and run-storage rows cascade.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?;`, runID)
	if err != nil {
		return fmt.Errorf("orun: delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session; runs, ticks, session/run storage cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ocean_sessions WHERE session_id = ?;`, sessionID)
	if err != nil {
		return fmt.Errorf("orun: delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
