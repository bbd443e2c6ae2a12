package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/infrastructure/redisx"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/repository"
)

type fakeJobs struct {
	schedulable []*domain.Job
}

func (f *fakeJobs) ListSchedulable(_ context.Context, limit int) ([]*domain.Job, error) {
	if len(f.schedulable) > limit {
		return f.schedulable[:limit], nil
	}
	return f.schedulable, nil
}
func (f *fakeJobs) Create(context.Context, *domain.Job) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobs) GetByID(context.Context, string) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobs) GetByName(context.Context, string) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobs) List(context.Context, repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobs) Update(context.Context, *domain.Job) error { return errors.New("not implemented") }
func (f *fakeJobs) Delete(context.Context, string) error      { return errors.New("not implemented") }

type fakeExecs struct {
	mu    sync.Mutex
	byKey map[string]*domain.JobExecution
}

func newFakeExecs() *fakeExecs {
	return &fakeExecs{byKey: make(map[string]*domain.JobExecution)}
}

func (f *fakeExecs) Create(_ context.Context, e *domain.JobExecution) (*domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byKey[e.IdempotencyKey]; ok {
		return nil, domain.ErrDuplicateExecution
	}
	cp := *e
	f.byKey[e.IdempotencyKey] = &cp
	return &cp, nil
}

func (f *fakeExecs) GetByID(_ context.Context, id string) (*domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.byKey {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrExecutionNotFound
}

func (f *fakeExecs) GetByIdempotencyKey(_ context.Context, key string) (*domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byKey[key]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeExecs) List(context.Context, repository.ListExecutionsInput) ([]*domain.JobExecution, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeExecs) MarkRunning(context.Context, string) error { return errors.New("not implemented") }
func (f *fakeExecs) SetCurrentStep(context.Context, string, *string) error {
	return errors.New("not implemented")
}
func (f *fakeExecs) IncrementAttempt(context.Context, string) (int, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeExecs) Finish(_ context.Context, id string, status domain.ExecutionStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.byKey {
		if e.ID == id {
			e.Status = status
			e.Error = errMsg
			return nil
		}
	}
	return domain.ErrExecutionNotFound
}

func (f *fakeExecs) HasNonTerminal(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.byKey {
		if e.JobID == jobID && !e.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeExecs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []queue.Message
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, msg queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

type schedEnv struct {
	jobs   *fakeJobs
	execs  *fakeExecs
	pub    *fakePublisher
	locker *redisx.Locker
	sched  *Scheduler
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &schedEnv{
		jobs:   &fakeJobs{},
		execs:  newFakeExecs(),
		pub:    &fakePublisher{},
		locker: redisx.NewLocker(client),
	}
	env.sched = New(DefaultConfig(), env.jobs, env.execs, env.locker, env.pub, slog.Default())
	return env
}

func intervalJob(id string, seconds int) *domain.Job {
	return &domain.Job{
		ID:             id,
		Name:           "job-" + id,
		Enabled:        true,
		TimeoutSeconds: 60,
		Triggers:       domain.Triggers{Scheduled: true},
		Schedule:       &domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: seconds},
	}
}

func TestProcessJobFiresDueJob(t *testing.T) {
	env := newSchedEnv(t)
	job := intervalJob("j1", 5)
	now := time.Now().UTC()

	fired, err := env.sched.processJob(context.Background(), job, now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !fired {
		t.Fatal("expected the job to fire")
	}

	if env.execs.count() != 1 {
		t.Fatalf("expected 1 execution, got %d", env.execs.count())
	}
	if len(env.pub.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(env.pub.messages))
	}

	// The fired key carries the first grid fire time inside the poll window.
	fire, ferr := job.Schedule.NextFireTime(now.Add(-env.sched.cfg.PollInterval))
	if ferr != nil {
		t.Fatalf("next fire time: %v", ferr)
	}
	wantKey := domain.ScheduledIdempotencyKey(job.ID, fire)
	if env.pub.messages[0].IdempotencyKey != wantKey {
		t.Fatalf("published key %q, want %q", env.pub.messages[0].IdempotencyKey, wantKey)
	}

	exec, err := env.execs.GetByIdempotencyKey(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("execution not created under fire-time key: %v", err)
	}
	if exec.Status != domain.ExecutionPending {
		t.Fatalf("expected pending, got %s", exec.Status)
	}
	if exec.Trigger.Type != domain.TriggerScheduled {
		t.Fatalf("expected scheduled trigger, got %s", exec.Trigger.Type)
	}
}

func TestProcessJobNotDue(t *testing.T) {
	env := newSchedEnv(t)
	// Next hourly fire is 13:00; the poll window ends at 12:30:30.
	job := intervalJob("j1", 3600)
	now := time.Date(2026, 3, 10, 12, 30, 30, 0, time.UTC)

	if _, err := env.sched.processJob(context.Background(), job, now); err != nil {
		t.Fatalf("process: %v", err)
	}
	if env.execs.count() != 0 {
		t.Fatal("job fired outside its window")
	}
}

func TestProcessJobIntervalLongerThanPoll(t *testing.T) {
	env := newSchedEnv(t)
	// Interval 60s against a 10s poll window: the job fires on the poll
	// whose window contains the minute boundary.
	job := intervalJob("j1", 60)

	tick := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	fired, err := env.sched.processJob(context.Background(), job, tick.Add(3*time.Second))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !fired {
		t.Fatal("interval longer than the poll window never fired")
	}

	wantKey := domain.ScheduledIdempotencyKey(job.ID, tick)
	if _, err := env.execs.GetByIdempotencyKey(context.Background(), wantKey); err != nil {
		t.Fatalf("execution not keyed to the grid fire time: %v", err)
	}
}

func TestProcessJobReplicasCollapseOneTick(t *testing.T) {
	env := newSchedEnv(t)
	job := intervalJob("j1", 60)
	job.AllowConcurrent = true

	// Two replicas observe the same minute boundary a few seconds apart.
	// Both derive the same fire time, so the second insert collapses.
	tick := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	if _, err := env.sched.processJob(context.Background(), job, tick.Add(2*time.Second)); err != nil {
		t.Fatalf("first replica: %v", err)
	}
	fired, err := env.sched.processJob(context.Background(), job, tick.Add(6*time.Second))
	if err != nil {
		t.Fatalf("second replica: %v", err)
	}
	if fired {
		t.Fatal("second replica fired the same logical tick")
	}
	if env.execs.count() != 1 {
		t.Fatalf("one logical tick produced %d executions", env.execs.count())
	}
}

func TestProcessJobNilSchedule(t *testing.T) {
	env := newSchedEnv(t)
	job := intervalJob("j1", 5)
	job.Schedule = nil

	if _, err := env.sched.processJob(context.Background(), job, time.Now().UTC()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if env.execs.count() != 0 {
		t.Fatal("unscheduled job fired")
	}
}

func TestProcessJobExpiredOneShot(t *testing.T) {
	env := newSchedEnv(t)
	past := time.Now().UTC().Add(-time.Hour)
	job := intervalJob("j1", 5)
	job.Schedule = &domain.Schedule{Type: domain.ScheduleOneShot, At: &past}

	if _, err := env.sched.processJob(context.Background(), job, time.Now().UTC()); err != nil {
		t.Fatalf("expired schedule must be silent, got %v", err)
	}
	if env.execs.count() != 0 {
		t.Fatal("expired one-shot fired")
	}
}

func TestProcessJobLeaseDenied(t *testing.T) {
	env := newSchedEnv(t)
	job := intervalJob("j1", 5)

	// Another replica holds the job's lease.
	_, ok, err := env.locker.Acquire(context.Background(), "schedule:job:"+job.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	if _, err := env.sched.processJob(context.Background(), job, time.Now().UTC()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if env.execs.count() != 0 {
		t.Fatal("fired without holding the lease")
	}
}

func TestProcessJobSkipsWhenPreviousStillRunning(t *testing.T) {
	env := newSchedEnv(t)
	job := intervalJob("j1", 5)

	env.execs.Create(context.Background(), &domain.JobExecution{
		ID: "old", JobID: job.ID, IdempotencyKey: "manual:j1:old", Status: domain.ExecutionRunning,
	})

	if _, err := env.sched.processJob(context.Background(), job, time.Now().UTC()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if env.execs.count() != 1 {
		t.Fatal("fired while a non-terminal execution exists")
	}

	// allow_concurrent lifts the restriction.
	job.AllowConcurrent = true
	if _, err := env.sched.processJob(context.Background(), job, time.Now().UTC()); err != nil {
		t.Fatalf("process concurrent: %v", err)
	}
	if env.execs.count() != 2 {
		t.Fatal("allow_concurrent job should fire alongside a running execution")
	}
}

func TestProcessJobDuplicateFireCollapsed(t *testing.T) {
	env := newSchedEnv(t)
	job := intervalJob("j1", 5)
	now := time.Now().UTC()

	fire, ferr := job.Schedule.NextFireTime(now.Add(-env.sched.cfg.PollInterval))
	if ferr != nil {
		t.Fatalf("next fire time: %v", ferr)
	}
	env.execs.Create(context.Background(), &domain.JobExecution{
		ID:             "prior",
		JobID:          job.ID,
		IdempotencyKey: domain.ScheduledIdempotencyKey(job.ID, fire),
		Status:         domain.ExecutionSuccess,
	})

	if _, err := env.sched.processJob(context.Background(), job, now); err != nil {
		t.Fatalf("duplicate fire must be silent, got %v", err)
	}
	if env.execs.count() != 1 {
		t.Fatal("duplicate fire created a second execution")
	}
	if len(env.pub.messages) != 0 {
		t.Fatal("duplicate fire published a message")
	}
}

func TestProcessJobPublishFailureFailsExecution(t *testing.T) {
	env := newSchedEnv(t)
	env.pub.err = errors.New("stream unavailable")
	job := intervalJob("j1", 5)

	_, err := env.sched.processJob(context.Background(), job, time.Now().UTC())
	if err == nil {
		t.Fatal("expected publish failure to surface")
	}
	if domain.KindOf(err) != domain.KindQueue {
		t.Fatalf("expected queue_error, got %s", domain.KindOf(err))
	}
	if !domain.IsRetryable(err) {
		t.Fatal("publish failure should be retryable on the next tick")
	}

	if env.execs.count() != 1 {
		t.Fatalf("expected the orphaned execution to remain, got %d", env.execs.count())
	}
	for _, e := range env.execs.byKey {
		if e.Status != domain.ExecutionFailed {
			t.Fatalf("expected orphan marked failed, got %s", e.Status)
		}
		if e.Error == nil || !strings.Contains(*e.Error, "publish failed") {
			t.Fatalf("expected publish failure message, got %v", e.Error)
		}
	}
}

func TestProcessDueJobsCountsFires(t *testing.T) {
	env := newSchedEnv(t)
	future := time.Now().UTC().Add(time.Hour)
	idle := intervalJob("idle", 5)
	idle.Schedule = &domain.Schedule{Type: domain.ScheduleOneShot, At: &future}
	env.jobs.schedulable = []*domain.Job{
		intervalJob("due-1", 5),
		intervalJob("due-2", 5),
		idle,
	}

	fired, err := env.sched.ProcessDueJobs(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if fired != 2 {
		t.Fatalf("expected 2 fires, got %d", fired)
	}
	if env.execs.count() != 2 {
		t.Fatalf("expected 2 executions, got %d", env.execs.count())
	}

	// The same window again: idempotency keys collapse every fire.
	fired, err = env.sched.ProcessDueJobs(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected repeat pass to fire nothing, got %d", fired)
	}
	if env.execs.count() != 2 {
		t.Fatalf("repeat pass created executions, got %d", env.execs.count())
	}
}

func TestProcessDueJobsOneBadJobDoesNotStopPass(t *testing.T) {
	env := newSchedEnv(t)
	bad := intervalJob("bad", 5)
	bad.Schedule = &domain.Schedule{Type: "bogus"}
	env.jobs.schedulable = []*domain.Job{bad, intervalJob("good", 5)}

	fired, err := env.sched.ProcessDueJobs(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected the healthy job to fire, got %d", fired)
	}
}
