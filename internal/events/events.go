// Package events carries status-change notifications to dashboards. Publish
// is best-effort: a lost event never fails an execution.
package events

import "context"

const (
	TypeExecutionStatusChanged = "execution_status_changed"
	TypeJobStatusChanged       = "job_status_changed"
	TypeJobCreated             = "job_created"
	TypeJobDeleted             = "job_deleted"
)

type Event struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	JobID       string `json:"job_id"`
	Status      string `json:"status,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event. Used in tests and tools that do not care about
// dashboard delivery.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
