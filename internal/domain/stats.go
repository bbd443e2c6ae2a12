package domain

import "time"

// JobStats is the per-job aggregate maintained by the worker after every
// terminal transition.
type JobStats struct {
	JobID               string
	Total               int64
	Successful          int64
	Failed              int64
	LastExecutionAt     *time.Time
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	ConsecutiveFailures int
}
