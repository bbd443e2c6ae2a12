package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobNameConflict     = errors.New("job with this name already exists")
	ErrJobDisabled         = errors.New("job is disabled")
	ErrTriggerNotAllowed   = errors.New("trigger type not allowed for this job")
	ErrConcurrentExecution = errors.New("job already has a non-terminal execution")
)

// Triggers is the capability set: which trigger sources may start the job.
type Triggers struct {
	Scheduled bool `json:"scheduled"`
	Manual    bool `json:"manual"`
	Webhook   bool `json:"webhook"`
}

type Job struct {
	ID              string
	Name            string
	Description     *string
	Enabled         bool
	TimeoutSeconds  int
	MaxRetries      int
	AllowConcurrent bool
	Triggers        Triggers

	// Schedule is nil for jobs that are only triggered manually or by webhook.
	Schedule *Schedule

	// DefinitionPath is the blob path of the canonical JSON definition.
	DefinitionPath string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the catalog-level invariants. The definition document
// itself is validated separately before the row is committed.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", j.TimeoutSeconds)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", j.MaxRetries)
	}
	if j.Triggers.Scheduled && j.Schedule == nil {
		return fmt.Errorf("scheduled trigger enabled but no schedule defined")
	}
	return nil
}
