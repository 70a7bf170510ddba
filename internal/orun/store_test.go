package orun_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/orun"
	"github.com/erhathaway/ocean-clog/internal/ostore"
)

func newTestStore(t *testing.T, clock oclock.Clock) *orun.Store {
	t.Helper()
	db, err := ostore.Open(filepath.Join(t.TempDir(), "ocean.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if clock == nil {
		clock = oclock.Fixed(time.UnixMilli(1_000_000))
	}
	return orun.New(db, clock)
}

func TestCreateRun_NoInputStartsIdle(t *testing.T) {
	s := newTestStore(t, nil)
	runID, err := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	row, err := s.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != orun.StatusIdle {
		t.Fatalf("expected idle, got %s", row.Status)
	}
	if row.PendingInput != nil {
		t.Fatalf("expected nil pending input, got %q", row.PendingInput)
	}
	if row.MaxAttempts != 3 {
		t.Fatalf("expected default max_attempts=3, got %d", row.MaxAttempts)
	}
}

func TestCreateRun_WithInputStartsPending(t *testing.T) {
	s := newTestStore(t, nil)
	runID, err := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{
		Input: json.RawMessage(`{"x":1}`), HasInput: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	row, err := s.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != orun.StatusPending {
		t.Fatalf("expected pending, got %s", row.Status)
	}
	if string(row.PendingInput) != `{"x":1}` {
		t.Fatalf("unexpected pending input: %s", row.PendingInput)
	}
}

func TestCreateRun_ExplicitNullInputIsPresent(t *testing.T) {
	s := newTestStore(t, nil)
	runID, err := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{HasInput: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	row, err := s.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != orun.StatusPending {
		t.Fatalf("expected pending for explicit-null input, got %s", row.Status)
	}
	if string(row.PendingInput) != "null" {
		t.Fatalf("expected literal JSON null stored, got %q", row.PendingInput)
	}
}

func TestSignal_IdleBecomesPending(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{})
	if err := s.Signal(context.Background(), runID, json.RawMessage(`{"go":true}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	row, _ := s.GetRun(context.Background(), runID)
	if row.Status != orun.StatusPending {
		t.Fatalf("expected pending after signal, got %s", row.Status)
	}
	if string(row.PendingInput) != `{"go":true}` {
		t.Fatalf("unexpected pending input: %s", row.PendingInput)
	}
}

func TestSignal_TerminalRunsAbsorbSilently(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{})
	if err := s.Release(context.Background(), runID, orun.ReleasePatch{Status: orun.StatusDone}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Signal(context.Background(), runID, json.RawMessage(`{"late":true}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	row, _ := s.GetRun(context.Background(), runID)
	if row.Status != orun.StatusDone {
		t.Fatalf("terminal status must not change, got %s", row.Status)
	}
}

func TestAcquire_OnlyOneInstanceWinsRace(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{
		Input: json.RawMessage(`{}`), HasInput: true,
	})

	got1, err := s.Acquire(context.Background(), "instA", 30_000)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if got1 == nil || got1.RunID != runID {
		t.Fatalf("expected instA to acquire the run")
	}

	got2, err := s.Acquire(context.Background(), "instB", 30_000)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if got2 != nil {
		t.Fatalf("expected no run available for a second acquirer while the lock is held")
	}
}

func TestAcquire_DoesNotSetStatusActive(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{
		Input: json.RawMessage(`{}`), HasInput: true,
	})
	if _, err := s.Acquire(context.Background(), "instA", 30_000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	row, _ := s.GetRun(context.Background(), runID)
	if row.Status != orun.StatusPending {
		t.Fatalf("acquire must not change status; the lock itself is the active marker, got %s", row.Status)
	}
	if !row.LockedBy.Valid || row.LockedBy.String != "instA" {
		t.Fatalf("expected lock held by instA")
	}
}

func TestAcquire_StaleLockIsStealable(t *testing.T) {
	clock := oclock.NewMutable(time.UnixMilli(1_000_000))
	s := newTestStore(t, clock.Now)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{
		Input: json.RawMessage(`{}`), HasInput: true,
	})
	if _, err := s.Acquire(context.Background(), "instA", 1000); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	// Lock is unexpired; a second acquire must find nothing.
	if got, err := s.Acquire(context.Background(), "instB", 1000); err != nil || got != nil {
		t.Fatalf("expected no eligible run while lock unexpired, got row=%v err=%v", got, err)
	}

	clock.Advance(2 * time.Second)

	got, err := s.Acquire(context.Background(), "instB", 1000)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if got == nil || got.RunID != runID {
		t.Fatalf("expected instB to steal the expired lock")
	}
}

func TestRelease_AppliesPatchWhenNoSignal(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{
		Input: json.RawMessage(`{}`), HasInput: true,
	})
	if _, err := s.Acquire(context.Background(), "instA", 30_000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.ConsumePendingInput(context.Background(), runID); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := s.Release(context.Background(), runID, orun.ReleasePatch{Status: orun.StatusDone}); err != nil {
		t.Fatalf("release: %v", err)
	}
	row, _ := s.GetRun(context.Background(), runID)
	if row.Status != orun.StatusDone {
		t.Fatalf("expected done, got %s", row.Status)
	}
	if row.LockedBy.Valid {
		t.Fatalf("expected lock cleared on release")
	}
}

func TestRelease_SignalDuringTickWinsOverNonTerminalPatch(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{
		Input: json.RawMessage(`{"v":1}`), HasInput: true,
	})
	if _, err := s.Acquire(context.Background(), "instA", 30_000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.ConsumePendingInput(context.Background(), runID); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// A signal lands mid-tick, after consumePendingInput.
	if err := s.Signal(context.Background(), runID, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}

	// The handler's own release patch says "idle" (an "ok" outcome) — but
	// release must detect the mid-tick signal and override it back to
	// pending, since this patch is not Terminal.
	if err := s.Release(context.Background(), runID, orun.ReleasePatch{Status: orun.StatusIdle}); err != nil {
		t.Fatalf("release: %v", err)
	}
	row, _ := s.GetRun(context.Background(), runID)
	if row.Status != orun.StatusPending {
		t.Fatalf("expected pending (signal wins), got %s", row.Status)
	}
	if row.Attempt != 0 {
		t.Fatalf("expected attempt reset to 0, got %d", row.Attempt)
	}
	if string(row.PendingInput) != `{"v":2}` {
		t.Fatalf("expected the newer signal's input to win, got %s", row.PendingInput)
	}
}

func TestRelease_TerminalPatchIgnoresMidTickSignal(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{
		Input: json.RawMessage(`{"v":1}`), HasInput: true,
	})
	if _, err := s.Acquire(context.Background(), "instA", 30_000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.ConsumePendingInput(context.Background(), runID); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// A signal lands mid-tick, after consumePendingInput.
	if err := s.Signal(context.Background(), runID, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}

	// The handler's own release patch says "done" and marks Terminal — a
	// done outcome cannot be reopened by a signal that raced in mid-tick.
	if err := s.Release(context.Background(), runID, orun.ReleasePatch{Status: orun.StatusDone, Terminal: true}); err != nil {
		t.Fatalf("release: %v", err)
	}
	row, _ := s.GetRun(context.Background(), runID)
	if row.Status != orun.StatusDone {
		t.Fatalf("expected done to stick despite the mid-tick signal, got %s", row.Status)
	}
	if row.PendingInput != nil {
		t.Fatalf("expected pending input cleared on a terminal release, got %s", row.PendingInput)
	}
}

func TestDeleteSession_CascadesRuns(t *testing.T) {
	s := newTestStore(t, nil)
	runID, _ := s.CreateRun(context.Background(), "sess1", "clog1", orun.CreateOptions{})
	if err := s.DeleteSession(context.Background(), "sess1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.GetRun(context.Background(), runID); err != orun.ErrNotFound {
		t.Fatalf("expected run to cascade-delete with its session, got %v", err)
	}
}
