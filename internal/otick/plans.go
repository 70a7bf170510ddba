package otick

import "encoding/json"

// ReadPlan is one entry of a read_scoped call. Kind selects which of the
// other fields are meaningful.
type ReadPlan struct {
	Kind string // "global", "session", "run", "tickRows", "historyTicksForRun"

	SessionID string // session
	RunID     string // run, tickRows, historyTicksForRun
	TickID    string // tickRows
	RowIDs    []string // tickRows (rows to read; none if empty), historyTicksForRun (all rows if empty)

	LimitTicks int    // historyTicksForRun, default 20
	Order      string // historyTicksForRun: "asc" or "desc", default "desc"
}

const (
	PlanGlobal              = "global"
	PlanSession              = "session"
	PlanRun                  = "run"
	PlanTickRows             = "tickRows"
	PlanHistoryTicksForRun   = "historyTicksForRun"
)

// SnapshotItem is one row of a read_scoped result.
type SnapshotItem struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	TickID    string `json:"tickId,omitempty"`
	RowID     string `json:"rowId,omitempty"`
	Found     bool   `json:"found"`
	Value     json.RawMessage `json:"value,omitempty"`
	UpdatedTs int64  `json:"updatedTs,omitempty"`
}

// WriteOp is one entry of a write_scoped call.
type WriteOp struct {
	Kind string // "global.set","global.clear","session.set","session.clear",
	// "run.set","run.clear","tick.set","tick.del",
	// "session.delete","run.delete","tick.delete"

	SessionID string
	RunID     string
	TickID    string
	RowID     string
	Value     json.RawMessage
}

const (
	OpGlobalSet    = "global.set"
	OpGlobalClear  = "global.clear"
	OpSessionSet   = "session.set"
	OpSessionClear = "session.clear"
	OpRunSet       = "run.set"
	OpRunClear     = "run.clear"
	OpTickSet      = "tick.set"
	OpTickDel      = "tick.del"
	OpSessionDelete = "session.delete"
	OpRunDelete     = "run.delete"
	OpTickDelete    = "tick.delete"
)
