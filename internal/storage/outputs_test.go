package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/storage/memory"
	"github.com/magpielab/magpie/internal/types"
)

func newOutputStore(t *testing.T) (*storage.OutputStore, *memory.Store) {
	t.Helper()
	mem := memory.New()
	os, err := storage.NewOutputStore(mem, 16)
	if err != nil {
		t.Fatalf("new output store: %v", err)
	}
	return os, mem
}

func TestComputeOrLoadRunsOnce(t *testing.T) {
	os, _ := newOutputStore(t)
	ctx := context.Background()

	input := map[string]any{"stage": "DEDUPE", "parent": "abc"}
	ih, err := storage.HashInput(input)
	if err != nil {
		t.Fatalf("hash input: %v", err)
	}
	addr := storage.StageAddress{
		ReportID:          "rep-1",
		Stage:             types.StageDedupe,
		InputHash:         ih,
		PipelineVersionID: "pv_x",
		ProducerJobID:     "job-1",
	}

	calls := 0
	compute := func(context.Context) (any, error) {
		calls++
		return map[string]int{"papers": 3}, nil
	}

	out, computed, err := os.ComputeOrLoad(ctx, addr, compute)
	if err != nil {
		t.Fatalf("first compute: %v", err)
	}
	if !computed || calls != 1 {
		t.Fatalf("first call computed=%v calls=%d, want true/1", computed, calls)
	}
	if out.OutputHash == "" || len(out.Payload) == 0 {
		t.Errorf("output missing hash or payload: %+v", out)
	}

	again, computed, err := os.ComputeOrLoad(ctx, addr, compute)
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if computed || calls != 1 {
		t.Errorf("replay computed=%v calls=%d, want false/1", computed, calls)
	}
	if again.ID != out.ID || again.OutputHash != out.OutputHash {
		t.Errorf("replay returned a different row: %s vs %s", again.ID, out.ID)
	}
}

func TestComputeOrLoadSurvivesMemoLoss(t *testing.T) {
	// A fresh OutputStore over the same backing store must still
	// short-circuit: the database row, not the memo, is the authority.
	mem := memory.New()
	ctx := context.Background()

	first, err := storage.NewOutputStore(mem, 16)
	if err != nil {
		t.Fatalf("new output store: %v", err)
	}
	addr := storage.StageAddress{ReportID: "rep-1", Stage: types.StageNormalize, InputHash: "deadbeefdeadbeef"}
	if _, _, err := first.ComputeOrLoad(ctx, addr, func(context.Context) (any, error) {
		return "payload", nil
	}); err != nil {
		t.Fatalf("seed compute: %v", err)
	}

	second, err := storage.NewOutputStore(mem, 16)
	if err != nil {
		t.Fatalf("new output store: %v", err)
	}
	_, computed, err := second.ComputeOrLoad(ctx, addr, func(context.Context) (any, error) {
		t.Fatal("compute ran despite a stored output")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if computed {
		t.Error("computed=true on replay, want false")
	}
}

func TestComputeOrLoadErrorStoresNothing(t *testing.T) {
	os, mem := newOutputStore(t)
	ctx := context.Background()

	addr := storage.StageAddress{ReportID: "rep-1", Stage: types.StageQualityFilter, InputHash: "0000000000000001"}
	boom := errors.New("provider melted")
	if _, _, err := os.ComputeOrLoad(ctx, addr, func(context.Context) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if _, err := mem.GetStageOutput(ctx, addr.ReportID, addr.Stage, addr.InputHash); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("failed compute left a row behind: %v", err)
	}

	// The address stays computable after the failure clears.
	_, computed, err := os.ComputeOrLoad(ctx, addr, func(context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil || !computed {
		t.Errorf("retry computed=%v err=%v, want true/nil", computed, err)
	}
}

func TestHashInputIsOrderInsensitive(t *testing.T) {
	a, err := storage.HashInput(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := storage.HashInput(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a != b {
		t.Errorf("map key order changed the hash: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16 hex chars", len(a))
	}
}
