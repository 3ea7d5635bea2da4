// Package eventbus implements the typed pub/sub with request/response
// correlation described in spec.md §4.3. It replaces the ad-hoc callback
// wiring the teacher's orchestrator used between its DAG engine, scheduler
// and plugin registry with a single small dispatcher every subsystem in
// this daemon shares.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agentd/internal/core"
)

// Handler processes one event. Handlers must be idempotent (spec §4.3):
// on restart the event log is not replayed, only durable store state is
// reconciled, so a handler may see the same logical transition more than
// once across a crash boundary.
type Handler func(ctx context.Context, evt Event) *core.Error

// DefaultRequestTimeout is used by Request when the caller passes <= 0.
const DefaultRequestTimeout = 5 * time.Second

type pendingRequest struct {
	ch chan requestResult
}

type requestResult struct {
	value any
	err   *core.Error
}

// Bus is the in-process, single-writer fan-out dispatcher. Locking only
// ever guards the subscriber registry and the pending-request map; it is
// never held while a subscriber handler runs (spec §5 "Event bus: locks
// only the subscriber registry, not during emission").
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]Handler
	reqMu   sync.Mutex
	pending map[string]*pendingRequest
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New() *Bus {
	return &Bus{
		subs:    make(map[string][]Handler),
		pending: make(map[string]*pendingRequest),
		logger:  slog.Default().With("component", "eventbus"),
		tracer:  otel.Tracer("agentd-eventbus"),
	}
}

// Subscribe registers h for eventType. Multiple handlers may be registered
// for the same type; they run in registration order (spec §5).
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], h)
}

// Emit delivers payload to every subscriber of eventType, awaiting each one
// in registration order before invoking the next (spec §5). All subscriber
// errors are logged; the first is returned to the caller.
func (b *Bus) Emit(ctx context.Context, eventType string, payload any, opts EmitOptions) *core.Error {
	evt := Event{
		Type:          eventType,
		EventID:       core.NewID(),
		Timestamp:     time.Now(),
		Payload:       payload,
		CorrelationID: opts.CorrelationID,
		Context:       opts.Context,
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.emit", trace.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("event.id", evt.EventID),
	))
	defer span.End()

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[eventType]...)
	b.mu.RUnlock()

	var first *core.Error
	for i, h := range handlers {
		if err := b.invoke(ctx, h, evt); err != nil {
			b.logger.Error("subscriber failed", "event_type", eventType, "event_id", evt.EventID,
				"handler_index", i, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// invoke recovers from a panicking handler, converting it into a SYSTEM_ERROR
// so a single bad subscriber cannot crash the process (spec §7: "Uncaught
// exceptions in event handlers log and return failure; they do not crash
// the process").
func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) (err *core.Error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.SystemError(fmt.Errorf("panic: %v", r), "event handler panicked")
		}
	}()
	return h(ctx, evt)
}

// Request emits eventType with a fresh correlation ID and waits for a
// matching Respond/RespondError call from any subscriber, or for timeout
// to elapse. timeout <= 0 uses DefaultRequestTimeout.
func (b *Bus) Request(ctx context.Context, eventType string, payload any, timeout time.Duration) (any, *core.Error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	correlationID := core.NewID()
	pr := &pendingRequest{ch: make(chan requestResult, 1)}

	b.reqMu.Lock()
	b.pending[correlationID] = pr
	b.reqMu.Unlock()
	defer func() {
		b.reqMu.Lock()
		delete(b.pending, correlationID)
		b.reqMu.Unlock()
	}()

	if err := b.Emit(ctx, eventType, payload, EmitOptions{CorrelationID: correlationID}); err != nil {
		return nil, err
	}

	select {
	case res := <-pr.ch:
		return res.value, res.err
	case <-time.After(timeout):
		return nil, core.SystemError(nil, "request %s timed out after %s", eventType, timeout).With("correlationId", correlationID)
	case <-ctx.Done():
		return nil, core.SystemError(ctx.Err(), "request %s cancelled", eventType)
	}
}

// Respond delivers a successful response to the caller blocked in Request.
// It is a no-op if no Request is waiting on correlationID (e.g. the caller
// already timed out).
func (b *Bus) Respond(correlationID string, value any) {
	b.reqMu.Lock()
	pr, ok := b.pending[correlationID]
	b.reqMu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.ch <- requestResult{value: value}:
	default:
	}
}

// RespondError delivers a failure response to the caller blocked in Request.
func (b *Bus) RespondError(correlationID string, err *core.Error) {
	b.reqMu.Lock()
	pr, ok := b.pending[correlationID]
	b.reqMu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.ch <- requestResult{err: err}:
	default:
	}
}
