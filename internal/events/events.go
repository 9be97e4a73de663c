// Package events dispatches pipeline observability events to registered
// handlers. The bus is local and synchronous; handlers run sequentially in
// priority order, and a failing handler never blocks the stage that emitted
// the event.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/types"
)

// Type identifies an event flowing through the bus.
type Type string

const (
	// TypeStage marks a stage lifecycle event (START, SUCCESS, FAILURE,
	// IDEMPOTENT).
	TypeStage Type = "stage"

	// TypeCache marks a cache access event (hit, miss, write, stale_served).
	TypeCache Type = "cache"
)

// Event is a single observability record. Exactly one of Stage or Cache is
// set, matching Type.
type Event struct {
	Type  Type
	Stage *types.StageEvent
	Cache *types.CacheEvent
}

// Handler processes events on the bus. Handlers are called in priority order
// (lower priority value = called earlier) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []Type

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event. Returning an error logs a warning
	// but does not stop the handler chain.
	Handle(ctx context.Context, event *Event) error
}

// Bus dispatches events to registered handlers. Emission is best-effort:
// stages must make progress even when every observer is broken, so handler
// errors are logged and swallowed.
type Bus struct {
	handlers []Handler
	log      *zap.Logger
	mu       sync.RWMutex
}

// NewBus creates an event bus. A nil logger is replaced with a no-op logger.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each dispatch, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// StageEvent dispatches a stage lifecycle event. A zero At is stamped with
// the current time.
func (b *Bus) StageEvent(ctx context.Context, ev types.StageEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.Dispatch(ctx, &Event{Type: TypeStage, Stage: &ev})
}

// CacheEvent dispatches a cache access event. A zero At is stamped with the
// current time.
func (b *Bus) CacheEvent(ctx context.Context, ev types.CacheEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.Dispatch(ctx, &Event{Type: TypeCache, Cache: &ev})
}

// Dispatch sends an event to all registered handlers that handle its type.
// Handlers are called sequentially in priority order (lowest first). Handler
// errors are logged but do not stop the chain.
func (b *Bus) Dispatch(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if ctx.Err() != nil {
			return
		}
		if err := h.Handle(ctx, event); err != nil {
			b.log.Warn("event handler failed",
				zap.String("handler", h.ID()),
				zap.String("type", string(event.Type)),
				zap.Error(err))
		}
	}
}

// Handlers returns all registered handlers (for introspection).
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers that handle the given event type, sorted
// by priority (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(t Type) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, ht := range h.Handles() {
			if ht == t {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
