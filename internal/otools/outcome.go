package otools

import (
	"context"
	"encoding/json"
)

// Outcome is the tagged return of an advance handler. Status selects which
// of the other fields the scheduler consults.
type Outcome struct {
	Status string // "ok", "done", "continue", "wait", "retry", "failed"

	Output json.RawMessage // done
	Input  json.RawMessage // continue: next pendingInput
	WakeAt int64           // wait: epoch ms to resume at
	Error  string          // retry, failed
}

// Outcome status values.
const (
	OutcomeOK       = "ok"
	OutcomeDone     = "done"
	OutcomeContinue = "continue"
	OutcomeWait     = "wait"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
)

// HandlerContext is passed to every advance handler invocation.
type HandlerContext struct {
	Tools   *Invoker
	Attempt int
}

// AdvanceHandler is the contract a clog registers to be dispatched when its
// runs become eligible. It may return an error instead of an Outcome; the
// scheduler converts that into {status: retry, error: err.Error()}.
type AdvanceHandler func(ctx context.Context, input json.RawMessage, hc HandlerContext) (Outcome, error)
