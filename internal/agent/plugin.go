package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentcore/engine/pkg/models"
)

// EventObserver watches the step loop's lifecycle event stream (spec.md §4.1:
// every state transition emits a StepStart/ToolStart/ToolComplete/StepComplete/
// StateTransition/Error event on the event bus). Implementations must be fast;
// anything slow should hand off to its own goroutine rather than block OnEvent.
//
// Example usage:
//
//	bus.Subscribe(NewTracePlugin(traceFile, runID))
//	bus.Subscribe(agent.PluginFunc(auditLogEvent))
type EventObserver interface {
	OnEvent(ctx context.Context, e models.AgentEvent)
}

// PluginFunc adapts an ordinary function to EventObserver.
type PluginFunc func(ctx context.Context, e models.AgentEvent)

// OnEvent calls the function.
func (f PluginFunc) OnEvent(ctx context.Context, e models.AgentEvent) {
	f(ctx, e)
}

// EventBus fans out lifecycle events from every AgenticLoop run sharing this
// bus to every subscribed observer: the trace writer, the stats collector,
// a per-connection SSE bridge, and whatever else a caller wires in. It
// satisfies EventSink, so it can be handed to NewEventEmitter directly.
type busEntry struct {
	id       int
	observer EventObserver
}

type EventBus struct {
	mu      sync.RWMutex
	entries []busEntry
	nextID  int
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers an observer and returns a token for Unsubscribe.
// Observers are notified in registration order.
func (b *EventBus) Subscribe(o EventObserver) int {
	if o == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.entries = append(b.entries, busEntry{id: id, observer: o})
	return id
}

// Unsubscribe removes a previously registered observer. Safe to call with a
// stale or zero token; it's then a no-op. Used to detach a per-connection
// bridge (e.g. an SSE subscriber) when its client disconnects.
func (b *EventBus) Unsubscribe(token int) {
	if token == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.id == token {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Emit dispatches an event to every subscribed observer, in registration
// order. A panicking observer is recovered and logged so one broken
// observer (e.g. a dropped SSE client) can't take down the step loop.
func (b *EventBus) Emit(ctx context.Context, e models.AgentEvent) {
	b.mu.RLock()
	observers := make([]EventObserver, len(b.entries))
	for i, entry := range b.entries {
		observers[i] = entry.observer
	}
	b.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("event observer panicked", "event_type", e.Type, "recover", rec)
				}
			}()
			o.OnEvent(ctx, e)
		}()
	}
}

// Count returns the number of subscribed observers.
func (b *EventBus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear removes all subscribed observers.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
