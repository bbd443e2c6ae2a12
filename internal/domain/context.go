package domain

import "time"

type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepOutput is the persisted result of one step. Once it appears in a
// JobContext it is never mutated.
type StepOutput struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// ContextVariable is a resolved variable carried in the Job Context. For
// sensitive variables Value holds the ciphertext; decryption happens only
// at reference-resolution time and the plaintext never lands in the blob.
type ContextVariable struct {
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// WebhookData preserves the triggering request for webhook executions.
type WebhookData struct {
	Payload map[string]any    `json:"payload,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type FileMetadata struct {
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type,omitempty"`
	RowCount  *int      `json:"row_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobContext is the per-execution mutable document. It is flushed to the
// blob store after every completed step; a StepOutput is committed only
// once the blob containing it is durable.
type JobContext struct {
	ExecutionID string                     `json:"execution_id"`
	JobID       string                     `json:"job_id"`
	Steps       map[string]StepOutput      `json:"steps"`
	Variables   map[string]ContextVariable `json:"variables"`
	Webhook     *WebhookData               `json:"webhook,omitempty"`
	Files       []FileMetadata             `json:"files,omitempty"`

	// StepOrder records step ids in completion order, since JSON object
	// keys carry no ordering.
	StepOrder []string `json:"step_order"`
}

func NewJobContext(jobID, executionID string) *JobContext {
	return &JobContext{
		ExecutionID: executionID,
		JobID:       jobID,
		Steps:       make(map[string]StepOutput),
		Variables:   make(map[string]ContextVariable),
	}
}

// RecordStep stores a step output. Existing entries are left untouched so a
// resumed execution cannot rewrite history.
func (c *JobContext) RecordStep(out StepOutput) {
	if _, ok := c.Steps[out.StepID]; ok {
		return
	}
	c.Steps[out.StepID] = out
	c.StepOrder = append(c.StepOrder, out.StepID)
}

// HasStep reports whether the step already completed in a previous delivery.
func (c *JobContext) HasStep(stepID string) bool {
	_, ok := c.Steps[stepID]
	return ok
}
