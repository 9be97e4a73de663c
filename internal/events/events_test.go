package events

import (
	"context"
	"errors"
	"testing"

	"github.com/magpielab/magpie/internal/storage/memory"
	"github.com/magpielab/magpie/internal/types"
)

// testHandler is a configurable handler for testing.
type testHandler struct {
	id       string
	handles  []Type
	priority int
	fn       func(ctx context.Context, event *Event) error
}

func (h *testHandler) ID() string      { return h.id }
func (h *testHandler) Handles() []Type { return h.handles }
func (h *testHandler) Priority() int   { return h.priority }

func (h *testHandler) Handle(ctx context.Context, event *Event) error {
	if h.fn != nil {
		return h.fn(ctx, event)
	}
	return nil
}

func TestDispatchMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)
	var called []string

	bus.Register(&testHandler{
		id:      "stage-only",
		handles: []Type{TypeStage},
		fn: func(context.Context, *Event) error {
			called = append(called, "stage-only")
			return nil
		},
	})
	bus.Register(&testHandler{
		id:      "cache-only",
		handles: []Type{TypeCache},
		fn: func(context.Context, *Event) error {
			called = append(called, "cache-only")
			return nil
		},
	})

	bus.StageEvent(context.Background(), types.StageEvent{
		ReportID: "rep-1",
		Stage:    types.StageIngestProvider,
		Kind:     types.EventStart,
	})

	if len(called) != 1 || called[0] != "stage-only" {
		t.Fatalf("expected only stage-only handler, got %v", called)
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string

	// Register out of order; dispatch must sort by priority.
	bus.Register(&testHandler{
		id: "late", handles: []Type{TypeStage}, priority: 30,
		fn: func(context.Context, *Event) error {
			order = append(order, "late")
			return nil
		},
	})
	bus.Register(&testHandler{
		id: "early", handles: []Type{TypeStage}, priority: 10,
		fn: func(context.Context, *Event) error {
			order = append(order, "early")
			return nil
		},
	})

	bus.StageEvent(context.Background(), types.StageEvent{Kind: types.EventSuccess})

	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("expected [early late], got %v", order)
	}
}

func TestDispatchHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := NewBus(nil)
	var reached bool

	bus.Register(&testHandler{
		id: "broken", handles: []Type{TypeStage}, priority: 10,
		fn: func(context.Context, *Event) error {
			return errors.New("boom")
		},
	})
	bus.Register(&testHandler{
		id: "after", handles: []Type{TypeStage}, priority: 20,
		fn: func(context.Context, *Event) error {
			reached = true
			return nil
		},
	})

	bus.StageEvent(context.Background(), types.StageEvent{Kind: types.EventFailure})

	if !reached {
		t.Fatal("handler after a failing handler was not called")
	}
}

func TestStageEventStampsTime(t *testing.T) {
	bus := NewBus(nil)
	var got types.StageEvent

	bus.Register(&testHandler{
		id: "capture", handles: []Type{TypeStage},
		fn: func(_ context.Context, ev *Event) error {
			got = *ev.Stage
			return nil
		},
	})

	bus.StageEvent(context.Background(), types.StageEvent{Kind: types.EventStart})

	if got.At.IsZero() {
		t.Fatal("expected At to be stamped")
	}
}

func TestStoreHandlerPersistsStageEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	report := &types.Report{Question: "does exercise reduce anxiety"}
	if err := store.CreateReport(ctx, report); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	bus := NewBus(nil)
	bus.Register(&StoreHandler{Store: store})

	bus.StageEvent(ctx, types.StageEvent{
		ReportID: report.ID,
		JobID:    "job-1",
		Stage:    types.StageNormalize,
		Kind:     types.EventSuccess,
	})

	evs, err := store.ListStageEvents(ctx, report.ID, 10)
	if err != nil {
		t.Fatalf("ListStageEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(evs))
	}
	if evs[0].Stage != types.StageNormalize || evs[0].Kind != types.EventSuccess {
		t.Fatalf("persisted event mismatch: %+v", evs[0])
	}
}
