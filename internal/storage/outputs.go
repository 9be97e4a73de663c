package storage

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

// StageAddress identifies one content-addressed stage computation:
// the same report, stage, and canonical input always map to the same
// address, and the address owns at most one stored output.
type StageAddress struct {
	ReportID          string
	Stage             types.Stage
	InputHash         string
	PipelineVersionID string
	ProducerJobID     string
}

// ComputeFunc produces a stage's output value. The value must marshal
// deterministically: map keys are fine (canonicalization sorts them) but
// wall-clock readings, random ids, and attempt counters must stay out,
// or retries of the same input would produce divergent output hashes.
type ComputeFunc func(ctx context.Context) (any, error)

// OutputStore layers the compute-or-load discipline over a Storage.
// Stages never write outputs directly; they declare an address and a
// compute function, and the store decides whether the work runs at all.
// A small LRU remembers address -> row id so redelivered jobs usually
// skip the database probe entirely.
type OutputStore struct {
	store Storage
	memo  *lru.Cache[string, string]
}

// NewOutputStore wraps store with an address memo of the given size.
// memoSize <= 0 selects a default suited to a single worker process.
func NewOutputStore(store Storage, memoSize int) (*OutputStore, error) {
	if memoSize <= 0 {
		memoSize = 4096
	}
	memo, err := lru.New[string, string](memoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create output memo: %w", err)
	}
	return &OutputStore{store: store, memo: memo}, nil
}

// HashInput canonicalizes input and returns its content hash. Callers
// hash before ComputeOrLoad so start events can carry the address even
// when the computation is later skipped.
func HashInput(input any) (string, error) {
	return stablejson.Hash(input)
}

func memoKey(addr StageAddress) string {
	return addr.ReportID + "|" + string(addr.Stage) + "|" + addr.InputHash
}

// ComputeOrLoad returns the stored output at addr when one exists;
// otherwise it runs compute, canonicalizes and persists the result, and
// returns the new row. computed=false means the stage body was skipped
// (or raced another worker and lost); the stored payload is the truth
// either way, so redelivered jobs converge on one output per address.
func (s *OutputStore) ComputeOrLoad(ctx context.Context, addr StageAddress, compute ComputeFunc) (*types.StageOutput, bool, error) {
	key := memoKey(addr)
	if id, ok := s.memo.Get(key); ok {
		out, err := s.store.GetStageOutputByID(ctx, id)
		if err == nil {
			return out, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		s.memo.Remove(key) // row purged since it was memoized
	}

	out, err := s.store.GetStageOutput(ctx, addr.ReportID, addr.Stage, addr.InputHash)
	if err == nil {
		s.memo.Add(key, out.ID)
		return out, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	result, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	payload, err := stablejson.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("failed to canonicalize %s output: %w", addr.Stage, err)
	}
	stored, created, err := s.store.PutStageOutput(ctx, &types.StageOutput{
		ReportID:          addr.ReportID,
		Stage:             addr.Stage,
		InputHash:         addr.InputHash,
		OutputHash:        stablejson.HashBytes(payload),
		Payload:           payload,
		PipelineVersionID: addr.PipelineVersionID,
		ProducerJobID:     addr.ProducerJobID,
	})
	if err != nil {
		return nil, false, err
	}
	s.memo.Add(key, stored.ID)
	return stored, created, nil
}
