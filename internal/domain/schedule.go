package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidCronExpr  = errors.New("invalid cron expression")
	ErrUnknownTimezone  = errors.New("unknown timezone")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrScheduleExpired  = errors.New("schedule has no future fire times")
)

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOneShot  ScheduleType = "one_shot"
)

// Schedule is a tagged variant; exactly the fields of the selected type are set.
type Schedule struct {
	Type ScheduleType `json:"type"`

	// Cron
	CronExpr string     `json:"cron_expr,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
	EndDate  *time.Time `json:"end_date,omitempty"`

	// Interval
	IntervalSeconds int `json:"interval_seconds,omitempty"`

	// OneShot
	At *time.Time `json:"at,omitempty"`
}

func (s *Schedule) Validate() error {
	switch s.Type {
	case ScheduleCron:
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidCronExpr, s.CronExpr)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("%w: %q", ErrUnknownTimezone, s.Timezone)
			}
		}
		return nil
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSchedule, s.IntervalSeconds)
		}
		return nil
	case ScheduleOneShot:
		if s.At == nil {
			return fmt.Errorf("%w: one_shot schedule requires a fire time", ErrInvalidSchedule)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}
}

// NextFireTime returns the first fire time strictly after the given instant.
// Returns ErrScheduleExpired when the schedule will never fire again
// (one-shot in the past, or a cron past its end date).
func (s *Schedule) NextFireTime(after time.Time) (time.Time, error) {
	switch s.Type {
	case ScheduleCron:
		spec, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCronExpr, s.CronExpr)
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownTimezone, s.Timezone)
			}
		}
		next := spec.Next(after.In(loc))
		if s.EndDate != nil && next.After(*s.EndDate) {
			return time.Time{}, ErrScheduleExpired
		}
		return next, nil
	case ScheduleInterval:
		// Fire times sit on a fixed absolute grid (multiples of the interval
		// since the zero time, UTC), so every scheduler replica derives the
		// same fire time for a tick no matter when it polls. That keeps the
		// scheduled:{job}:{fire_time} idempotency key identical across
		// replicas and makes intervals longer than the poll window reachable.
		iv := time.Duration(s.IntervalSeconds) * time.Second
		return after.UTC().Truncate(iv).Add(iv), nil
	case ScheduleOneShot:
		if s.At == nil || !s.At.After(after) {
			return time.Time{}, ErrScheduleExpired
		}
		return *s.At, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}
}
