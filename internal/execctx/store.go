// Package execctx persists the per-execution Job Context in the blob store.
// The Context is the authoritative record of which step outputs exist; the
// catalog's current_step column is advisory only.
package execctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/domain"
)

var ErrContextNotFound = errors.New("job context not found")

type Store struct {
	blobs blob.Store
}

func NewStore(blobs blob.Store) *Store {
	return &Store{blobs: blobs}
}

// Save overwrites the Context blob. The worker must not advance past a step
// until the Save carrying that step's output has returned.
func (s *Store) Save(ctx context.Context, jc *domain.JobContext) error {
	data, err := json.Marshal(jc)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	path := blob.ContextPath(jc.JobID, jc.ExecutionID)
	if err := s.blobs.Put(ctx, path, data); err != nil {
		return domain.NewError(domain.KindStorage, true, fmt.Errorf("store context: %w", err))
	}
	return nil
}

// Load returns the most recently saved Context, or ErrContextNotFound for a
// fresh execution.
func (s *Store) Load(ctx context.Context, jobID, executionID string) (*domain.JobContext, error) {
	data, err := s.blobs.Get(ctx, blob.ContextPath(jobID, executionID))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, ErrContextNotFound
		}
		return nil, domain.NewError(domain.KindStorage, true, fmt.Errorf("load context: %w", err))
	}

	var jc domain.JobContext
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if jc.Steps == nil {
		jc.Steps = make(map[string]domain.StepOutput)
	}
	if jc.Variables == nil {
		jc.Variables = make(map[string]domain.ContextVariable)
	}
	return &jc, nil
}
