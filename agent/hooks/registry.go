package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/agentforge/core/agent/telemetry"
)

const (
	// MaxHandlersPerEvent bounds the number of handlers registered for a
	// single named event; further registrations are refused and logged.
	MaxHandlersPerEvent = 20

	// HandlerTimeout is the hard per-call timeout applied to every handler
	// invocation in Emit/EmitAsync.
	HandlerTimeout = 5 * time.Second
)

// HandlerFunc processes a hook context and optionally returns a replacement
// context for the next handler in the chain. A nil return leaves ctx
// unchanged for the next handler, matching the "(ctx) -> Option<ctx>" model
// from the Design Notes on hook context mutation.
type HandlerFunc func(ctx context.Context, hctx *Context) (*Context, error)

// Context is the mutable payload threaded through a single Emit call. Event
// is the event name being emitted; Data carries event-specific fields.
type Context struct {
	Event string
	Data  map[string]any
}

// Clone returns a shallow copy of hctx so handlers can return a modified
// context without mutating the caller's original.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	data := make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		data[k] = v
	}
	return &Context{Event: c.Event, Data: data}
}

type registration struct {
	name     string
	priority int
	handler  HandlerFunc
}

// Registry is a named, priority-ordered set of async extension points, per
// spec §4.2. Registry is safe for concurrent use.
type Registry struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu       sync.RWMutex
	handlers map[string][]*registration
	errCount map[string]int
}

// NewRegistry constructs an empty Registry. logger/metrics may be nil, in
// which case NoopLogger/NoopMetrics are used.
func NewRegistry(logger telemetry.Logger, metrics telemetry.Metrics) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string][]*registration),
		errCount: make(map[string]int),
	}
}

// Register adds handler for event at the given priority (ascending order,
// lower runs first) under name. A second Register call with the same event
// and name replaces the existing handler in place (no duplicates). Returns
// false without registering when the event already has MaxHandlersPerEvent
// distinct handler names.
func (r *Registry) Register(event string, handler HandlerFunc, priority int, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[event]
	for i, existing := range regs {
		if existing.name == name {
			regs[i] = &registration{name: name, priority: priority, handler: handler}
			sortByPriority(regs)
			return true
		}
	}
	if len(regs) >= MaxHandlersPerEvent {
		r.logger.Warn(context.Background(), "hook registry: handler cap reached, registration refused",
			"event", event, "name", name, "cap", MaxHandlersPerEvent)
		return false
	}
	regs = append(regs, &registration{name: name, priority: priority, handler: handler})
	sortByPriority(regs)
	r.handlers[event] = regs
	return true
}

// Unregister removes the handler registered under name for event.
func (r *Registry) Unregister(event, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.handlers[event]
	for i, existing := range regs {
		if existing.name == name {
			r.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func sortByPriority(regs []*registration) {
	// insertion sort: registrations are few (<=20) and this keeps the
	// comparator stable for equal priorities (registration order preserved).
	for i := 1; i < len(regs); i++ {
		for j := i; j > 0 && regs[j].priority < regs[j-1].priority; j-- {
			regs[j], regs[j-1] = regs[j-1], regs[j]
		}
	}
}

// Emit runs handlers registered for event in ascending priority order,
// sequentially, threading ctx through the chain. Each handler invocation is
// bounded by HandlerTimeout; a handler timeout or error is caught, logged,
// and counted, but never aborts the sequence. Emit returns the final
// (possibly handler-modified) Context.
func (r *Registry) Emit(ctx context.Context, event string, hctx *Context) *Context {
	r.mu.RLock()
	regs := append([]*registration(nil), r.handlers[event]...)
	r.mu.RUnlock()

	current := hctx
	for _, reg := range regs {
		next, err := r.invoke(ctx, reg, current)
		if err != nil {
			r.recordError(event, reg.name, err)
			continue
		}
		if next != nil {
			current = next
		}
	}
	return current
}

// EmitAsync is the fire-and-forget variant of Emit: it runs in a new
// goroutine and must never propagate errors or panics back to the caller.
func (r *Registry) EmitAsync(ctx context.Context, event string, hctx *Context) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error(context.Background(), "hook registry: emit_async recovered from panic",
					"event", event, "panic", p)
			}
		}()
		r.Emit(ctx, event, hctx)
	}()
}

func (r *Registry) invoke(ctx context.Context, reg *registration, hctx *Context) (result *Context, err error) {
	callCtx, cancel := context.WithTimeout(ctx, HandlerTimeout)
	defer cancel()

	type outcome struct {
		ctx *Context
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: panicError(p)}
			}
		}()
		next, herr := reg.handler(callCtx, hctx)
		done <- outcome{ctx: next, err: herr}
	}()

	select {
	case o := <-done:
		return o.ctx, o.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (r *Registry) recordError(event, name string, err error) {
	r.mu.Lock()
	r.errCount[event]++
	r.mu.Unlock()
	r.metrics.IncCounter("hooks.handler_error", 1, "event", event, "name", name)
	r.logger.Warn(context.Background(), "hook registry: handler error, continuing sequence",
		"event", event, "name", name, "error", err)
}

// ErrorCount returns the number of handler errors/timeouts recorded for
// event since construction.
func (r *Registry) ErrorCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errCount[event]
}

type panicErr struct{ v any }

func panicError(v any) error { return &panicErr{v: v} }

func (p *panicErr) Error() string { return "hook handler panicked" }
