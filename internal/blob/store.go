// Package blob abstracts the object/definition store. Two adapters exist:
// a filesystem store for local development and tests, and an S3-compatible
// store for real deployments.
package blob

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("blob not found")

// Store is the minimal contract the core needs: whole-object put/get with
// atomic overwrite semantics from a reader's perspective.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// DefinitionPath is the canonical location of a job's definition document.
func DefinitionPath(jobID string) string {
	return fmt.Sprintf("jobs/%s/definition.json", jobID)
}

// ContextPath is the canonical location of an execution's Job Context.
func ContextPath(jobID, executionID string) string {
	return fmt.Sprintf("jobs/%s/executions/%s/context.json", jobID, executionID)
}
