package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrDuplicateExecution = errors.New("execution with this idempotency key already exists")
)

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionTimeout    ExecutionStatus = "timeout"
	ExecutionDeadLetter ExecutionStatus = "dead_letter"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionTimeout, ExecutionDeadLetter, ExecutionCancelled:
		return true
	}
	return false
}

type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerWebhook   TriggerType = "webhook"
)

// TriggerSource records who or what started the execution.
type TriggerSource struct {
	Type TriggerType `json:"type"`
	// User is set for manual triggers.
	User string `json:"user,omitempty"`
	// URL is the webhook path for webhook triggers.
	URL string `json:"url,omitempty"`
}

type JobExecution struct {
	ID             string
	JobID          string
	IdempotencyKey string
	Status         ExecutionStatus
	Attempt        int
	Trigger        TriggerSource
	CurrentStep    *string
	ContextPath    string
	Error          *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ScheduledIdempotencyKey identifies one (job, fire-time) pair. Every
// scheduler replica derives the same key for the same tick, so the queue
// substrate collapses duplicates even if the lease briefly changes hands.
func ScheduledIdempotencyKey(jobID string, fireTime time.Time) string {
	return fmt.Sprintf("scheduled:%s:%s", jobID, fireTime.UTC().Format(time.RFC3339))
}

func ManualIdempotencyKey(jobID, executionID string) string {
	return fmt.Sprintf("manual:%s:%s", jobID, executionID)
}

func WebhookIdempotencyKey(webhookID, executionID string) string {
	return fmt.Sprintf("webhook:%s:%s", webhookID, executionID)
}
