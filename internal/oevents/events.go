// Package oevents implements the append-only event log: insert, scope
// filtered cursor-paginated reads, and an opportunistic TTL sweep.
package oevents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/ostore"
)

// Scope kinds an event or a read filter may target.
const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
	ScopeRun     = "run"
	ScopeTick    = "tick"
)

// DefaultReadLimit is applied when a caller does not specify one.
const DefaultReadLimit = 100

// DefaultGCMinInterval bounds how often gcEventsIfDue actually sweeps.
const DefaultGCMinInterval = 60_000 // ms

// Event is one row of the log.
type Event struct {
	Seq       int64
	ID        string
	Ts        int64
	ScopeKind string
	SessionID string
	RunID     string
	TickID    string
	Type      string
	Payload   json.RawMessage
}

// Store is the event log over a *ostore.DB.
type Store struct {
	db    *ostore.DB
	clock oclock.Clock

	lastGC int64 // ms, zero means "never swept this process"
}

// New builds a Store backed by db, reading time through clock.
func New(db *ostore.DB, clock oclock.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// Append inserts one event. scopeKind selects which of sessionID/runID/
// tickID are meaningful; callers leave the others empty.
func (s *Store) Append(ctx context.Context, scopeKind, sessionID, runID, tickID, eventType string, payload json.RawMessage) (*Event, error) {
	id := oclock.NewID("evt")
	now := s.clock().UnixMilli()
	if payload == nil {
		payload = json.RawMessage(`null`)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, ts, scope_kind, session_id, run_id, tick_id, type, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, id, now, scopeKind, nullableString(sessionID), nullableString(runID), nullableString(tickID), eventType, string(payload))
	if err != nil {
		return nil, fmt.Errorf("oevents: append: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("oevents: read inserted seq: %w", err)
	}
	return &Event{
		Seq: seq, ID: id, Ts: now, ScopeKind: scopeKind,
		SessionID: sessionID, RunID: runID, TickID: tickID,
		Type: eventType, Payload: payload,
	}, nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// ReadByScope returns events with seq > afterSeq, ordered by seq ascending,
// capped at limit (DefaultReadLimit if <= 0). The global read keeps only
// events whose scope_kind is global; session/run/tick reads keep every event
// carrying that id, whatever its scope_kind (a run read includes the run's
// tick-scoped events).
func (s *Store) ReadByScope(ctx context.Context, scopeKind, id string, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	var rows interface {
		Close() error
		Next() bool
		Scan(...any) error
		Err() error
	}

	switch scopeKind {
	case ScopeGlobal:
		r, err := s.db.QueryContext(ctx, `
			SELECT seq, id, ts, scope_kind, session_id, run_id, tick_id, type, payload
			FROM events WHERE scope_kind = 'global' AND seq > ? ORDER BY seq ASC LIMIT ?;
		`, afterSeq, limit)
		if err != nil {
			return nil, fmt.Errorf("oevents: read global scope: %w", err)
		}
		rows = r
	case ScopeSession:
		r, err := s.db.QueryContext(ctx, `
			SELECT seq, id, ts, scope_kind, session_id, run_id, tick_id, type, payload
			FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?;
		`, id, afterSeq, limit)
		if err != nil {
			return nil, fmt.Errorf("oevents: read session scope: %w", err)
		}
		rows = r
	case ScopeRun:
		r, err := s.db.QueryContext(ctx, `
			SELECT seq, id, ts, scope_kind, session_id, run_id, tick_id, type, payload
			FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?;
		`, id, afterSeq, limit)
		if err != nil {
			return nil, fmt.Errorf("oevents: read run scope: %w", err)
		}
		rows = r
	case ScopeTick:
		r, err := s.db.QueryContext(ctx, `
			SELECT seq, id, ts, scope_kind, session_id, run_id, tick_id, type, payload
			FROM events WHERE tick_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?;
		`, id, afterSeq, limit)
		if err != nil {
			return nil, fmt.Errorf("oevents: read tick scope: %w", err)
		}
		rows = r
	default:
		return nil, fmt.Errorf("oevents: unknown scope kind %q", scopeKind)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var sessionID, runID, tickID sql.NullString
		var payload string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Ts, &e.ScopeKind, &sessionID, &runID, &tickID, &e.Type, &payload); err != nil {
			return nil, fmt.Errorf("oevents: scan event: %w", err)
		}
		e.SessionID = sessionID.String
		e.RunID = runID.String
		e.TickID = tickID.String
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GCByTTL deletes every event older than ttlMs.
func (s *Store) GCByTTL(ctx context.Context, ttlMs int64) (int64, error) {
	cutoff := s.clock().UnixMilli() - ttlMs
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("oevents: gc by ttl: %w", err)
	}
	return res.RowsAffected()
}

// GCIfDue sweeps at most once per minInterval (DefaultGCMinInterval if <= 0)
// and is safe to call from any request path.
func (s *Store) GCIfDue(ctx context.Context, ttlMs, minInterval int64) (int64, error) {
	if minInterval <= 0 {
		minInterval = DefaultGCMinInterval
	}
	now := s.clock().UnixMilli()
	if s.lastGC != 0 && now-s.lastGC < minInterval {
		return 0, nil
	}
	s.lastGC = now
	return s.GCByTTL(ctx, ttlMs)
}
