// Package otick owns the tick entity and the per-tick, per-adapter scoped
// storage primitives: the read-before-write ledger, the one-read/one-write
// budget, and the batched read_scoped/write_scoped operations the tool
// dispatcher (internal/otools) exposes to adapter handlers.
package otick

import (
	"context"
	"fmt"

	"github.com/erhathaway/ocean-clog/internal/ostore"
)

// Context identifies the tick an invoker is bound to. Every scope operation
// is checked against it.
type Context struct {
	SessionID string
	RunID     string
	TickID    string
}

// Insert creates the tick row at most once per (runId, tickId), the FK
// target that guarantees tick storage rows cannot outlive their tick.
func Insert(ctx context.Context, db *ostore.DB, runID, tickID string, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ocean_ticks (run_id, tick_id, created_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, tick_id) DO NOTHING;
	`, runID, tickID, now)
	if err != nil {
		return fmt.Errorf("otick: insert tick: %w", err)
	}
	return nil
}
