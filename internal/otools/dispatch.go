// Package otools implements the tool-call surface adapter handlers use to
// reach storage, events, and peer adapters. It translates named tool calls
// into internal/otick and internal/oevents operations and builds the fresh
// per-adapter invokers peer calls require.
package otools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erhathaway/ocean-clog/internal/oclock"
	"github.com/erhathaway/ocean-clog/internal/oevents"
	"github.com/erhathaway/ocean-clog/internal/operr"
	"github.com/erhathaway/ocean-clog/internal/ostore"
	"github.com/erhathaway/ocean-clog/internal/otick"
)

// DefaultMaxPeerDepth bounds recursive ocean.clog.call chains. Exceeding it
// surfaces as PEER_DEPTH_EXCEEDED rather than recursing until the stack or
// the database connection gives out.
const DefaultMaxPeerDepth = 8

// Endpoint is a named handler an adapter exposes for peer calls.
type Endpoint func(ctx context.Context, invoker *Invoker, payload json.RawMessage) (json.RawMessage, error)

// Clog is an adapter registration: an id, its named endpoints, and an
// optional advance handler (supplied by the caller, not this package).
type Clog struct {
	ID        string
	Endpoints map[string]Endpoint
	OnAdvance AdvanceHandler // nil means this clog's runs can never advance
}

// Registry resolves clog ids to their endpoint tables. It is process-wide
// and read-only after startup, same as the rest of Ocean's adapter registry.
type Registry struct {
	clogs map[string]*Clog
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{clogs: map[string]*Clog{}}
}

// Register adds or replaces a clog's endpoint table.
func (r *Registry) Register(c *Clog) {
	r.clogs[c.ID] = c
}

// Lookup returns the clog registered under id, or nil.
func (r *Registry) Lookup(id string) *Clog {
	return r.clogs[id]
}

// Factory builds fresh Invokers bound to one tick context. The scheduler
// constructs one factory per advance() call; every peer call asks it for a
// brand new Invoker with a zeroed budget and empty ledger.
type Factory struct {
	db       *ostore.DB
	clock    oclock.Clock
	events   *oevents.Store
	registry *Registry
	tickCtx  otick.Context
	maxDepth int
}

// NewFactory builds a Factory bound to one tick's context.
func NewFactory(db *ostore.DB, clock oclock.Clock, events *oevents.Store, registry *Registry, tickCtx otick.Context, maxDepth int) *Factory {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxPeerDepth
	}
	return &Factory{db: db, clock: clock, events: events, registry: registry, tickCtx: tickCtx, maxDepth: maxDepth}
}

// For returns a fresh invoker for clogID at peer-call depth 0 (the owner).
func (f *Factory) For(clogID string) *Invoker {
	return f.forDepth(clogID, 0)
}

func (f *Factory) forDepth(clogID string, depth int) *Invoker {
	return &Invoker{
		factory: f,
		clogID:  clogID,
		depth:   depth,
		scoped:  otick.NewScoped(f.db, f.clock, clogID, f.tickCtx),
	}
}

// Invoker is the tool invoker bound to one adapter within one tick. It is
// owned by the current tick and has no meaningful life outside it.
type Invoker struct {
	factory *Factory
	clogID  string
	depth   int
	scoped  *otick.Scoped
}

// SessionID returns the current tick's session id, for constructing
// session-scoped read/write plans.
func (inv *Invoker) SessionID() string { return inv.factory.tickCtx.SessionID }

// RunID returns the current tick's run id.
func (inv *Invoker) RunID() string { return inv.factory.tickCtx.RunID }

// TickID returns the current tick's id.
func (inv *Invoker) TickID() string { return inv.factory.tickCtx.TickID }

// ReadScoped implements ocean.storage.read_scoped.
func (inv *Invoker) ReadScoped(ctx context.Context, plans []otick.ReadPlan) ([]otick.SnapshotItem, error) {
	return inv.scoped.ReadScoped(ctx, plans)
}

// WriteScoped implements ocean.storage.write_scoped.
func (inv *Invoker) WriteScoped(ctx context.Context, ops []otick.WriteOp) (int, error) {
	return inv.scoped.WriteScoped(ctx, ops)
}

// EmitEvent implements ocean.events.emit.
func (inv *Invoker) EmitEvent(ctx context.Context, scopeKind, eventType string, payload json.RawMessage) error {
	sessionID, runID, tickID := "", "", ""
	switch scopeKind {
	case oevents.ScopeSession:
		sessionID = inv.factory.tickCtx.SessionID
	case oevents.ScopeRun:
		runID = inv.factory.tickCtx.RunID
	case oevents.ScopeTick:
		runID, tickID = inv.factory.tickCtx.RunID, inv.factory.tickCtx.TickID
	case oevents.ScopeGlobal:
	default:
		return operr.New(operr.CodeInvalidScope, fmt.Sprintf("unknown event scope %q", scopeKind))
	}
	_, err := inv.factory.events.Append(ctx, scopeKind, sessionID, runID, tickID, eventType, payload)
	return err
}

// Invoke directly resolves and calls clogID's method endpoint, independent
// of any peer-call depth bookkeeping. This backs the direct-invocation
// surface (ocean.callClog) that bypasses the run state machine entirely —
// an independent surface with no lock semantics of its own.
func (f *Factory) Invoke(ctx context.Context, clogID, method string, payload json.RawMessage) (json.RawMessage, error) {
	clog := f.registry.Lookup(clogID)
	if clog == nil {
		return nil, operr.New(operr.CodeUnknownClog, fmt.Sprintf("no clog registered for id %q", clogID))
	}
	endpoint, ok := clog.Endpoints[method]
	if !ok {
		return nil, operr.New(operr.CodeUnknownEndpoint, fmt.Sprintf("clog %q has no endpoint %q", clogID, method))
	}
	return endpoint(ctx, f.For(clogID), payload)
}

// CallPeer implements ocean.clog.call: address "clog.<id>.<method>". It
// constructs a fresh invoker for the callee with its own independent budget
// and ledger, then invokes the endpoint with the same tick context. Peers
// share ticks but not budgets.
func (inv *Invoker) CallPeer(ctx context.Context, address string, payload json.RawMessage) (json.RawMessage, error) {
	if inv.depth+1 >= inv.factory.maxDepth {
		return nil, operr.New(operr.CodePeerDepthExceeded, fmt.Sprintf("peer call depth exceeded max %d", inv.factory.maxDepth))
	}
	calleeID, method, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	clog := inv.factory.registry.Lookup(calleeID)
	if clog == nil {
		return nil, operr.New(operr.CodeUnknownClog, fmt.Sprintf("no clog registered for id %q", calleeID))
	}
	endpoint, ok := clog.Endpoints[method]
	if !ok {
		return nil, operr.New(operr.CodeUnknownEndpoint, fmt.Sprintf("clog %q has no endpoint %q", calleeID, method))
	}
	peerInvoker := inv.factory.forDepth(calleeID, inv.depth+1)
	return endpoint(ctx, peerInvoker, payload)
}

// parseAddress parses "clog.<id>.<method>" the way the corpus's delegation
// addressing parses "agent.<id>.<action>" style strings: strip the "clog."
// prefix and split the rest on its last dot, so an id may itself contain
// dots but a method may not.
func parseAddress(address string) (clogID, method string, err error) {
	const prefix = "clog."
	if len(address) <= len(prefix) || address[:len(prefix)] != prefix {
		return "", "", operr.New(operr.CodeUnknownEndpoint, fmt.Sprintf("malformed peer address %q", address))
	}
	rest := address[len(prefix):]
	dot := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '.' {
			dot = i
			break
		}
	}
	if dot <= 0 || dot == len(rest)-1 {
		return "", "", operr.New(operr.CodeUnknownEndpoint, fmt.Sprintf("malformed peer address %q", address))
	}
	return rest[:dot], rest[dot+1:], nil
}

// Dispatch translates a raw tool call {name, input} into the matching
// Invoker method. Unknown names fail with UNKNOWN_TOOL. It never panics;
// handler errors come back as *operr.ToolError values for the caller to
// render as {ok:false, error:{...}}.
func (inv *Invoker) Dispatch(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "ocean.storage.read_scoped":
		var req struct {
			Plans []otick.ReadPlan `json:"plans"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, operr.Wrap(operr.CodeInvalidScope, "malformed read_scoped input", err)
		}
		snapshot, err := inv.ReadScoped(ctx, req.Plans)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Snapshot []otick.SnapshotItem `json:"snapshot"`
		}{snapshot})

	case "ocean.storage.write_scoped":
		var req struct {
			Ops []otick.WriteOp `json:"ops"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, operr.Wrap(operr.CodeInvalidScope, "malformed write_scoped input", err)
		}
		applied, err := inv.WriteScoped(ctx, req.Ops)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Applied int `json:"applied"`
		}{applied})

	case "ocean.events.emit":
		var req struct {
			Scope   string          `json:"scope"`
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, operr.Wrap(operr.CodeInvalidScope, "malformed events.emit input", err)
		}
		if err := inv.EmitEvent(ctx, req.Scope, req.Type, req.Payload); err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			OK bool `json:"ok"`
		}{true})

	case "ocean.clog.call":
		var req struct {
			Address string          `json:"address"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, operr.Wrap(operr.CodeInvalidScope, "malformed clog.call input", err)
		}
		result, err := inv.CallPeer(ctx, req.Address, req.Payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Result json.RawMessage `json:"result"`
		}{result})

	default:
		return nil, operr.New(operr.CodeUnknownTool, fmt.Sprintf("unknown tool %q", name))
	}
}
