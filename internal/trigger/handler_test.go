package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/execctx"
	"github.com/conveyr/conveyr/internal/infrastructure/redisx"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/repository"
)

var testJWTKey = []byte("test-jwt-secret-key-0123456789ab")

// --- fakes ---

type fakeJobs struct {
	jobs map[string]*domain.Job
}

func (f *fakeJobs) GetByID(_ context.Context, id string) (*domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}
func (f *fakeJobs) Create(context.Context, *domain.Job) (*domain.Job, error) {
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
func (f *fakeJobs) ListSchedulable(context.Context, int) ([]*domain.Job, error) {
	return nil, errors.New("not implemented")
}

type fakeExecs struct {
	mu    sync.Mutex
	byKey map[string]*domain.JobExecution
}

func (f *fakeExecs) Create(_ context.Context, e *domain.JobExecution) (*domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byKey[e.IdempotencyKey]; ok {
		return nil, domain.ErrDuplicateExecution
	}
	cp := *e
	cp.CreatedAt = time.Now().UTC()
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

type fakeWebhooks struct {
	byPath map[string]*domain.Webhook
}

func (f *fakeWebhooks) GetByPath(_ context.Context, urlPath string) (*domain.Webhook, error) {
	w, ok := f.byPath[urlPath]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	return w, nil
}
func (f *fakeWebhooks) Create(context.Context, *domain.Webhook) (*domain.Webhook, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeWebhooks) GetByJobID(context.Context, string) (*domain.Webhook, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeWebhooks) SetEnabled(context.Context, string, bool) error {
	return errors.New("not implemented")
}
func (f *fakeWebhooks) RegeneratePath(context.Context, string, string) error {
	return errors.New("not implemented")
}
func (f *fakeWebhooks) Delete(context.Context, string) error { return errors.New("not implemented") }

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

// --- harness ---

type triggerEnv struct {
	jobs     *fakeJobs
	execs    *fakeExecs
	webhooks *fakeWebhooks
	pub      *fakePublisher
	contexts *execctx.Store
	router   *gin.Engine
}

func newTriggerEnv(t *testing.T) *triggerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}

	env := &triggerEnv{
		jobs:     &fakeJobs{jobs: make(map[string]*domain.Job)},
		execs:    &fakeExecs{byKey: make(map[string]*domain.JobExecution)},
		webhooks: &fakeWebhooks{byPath: make(map[string]*domain.Webhook)},
		pub:      &fakePublisher{},
		contexts: execctx.NewStore(fs),
	}

	svc := NewService(env.jobs, env.execs, env.webhooks, env.contexts, env.pub, redisx.NewRateLimiter(client), slog.Default())
	env.router = NewRouter(slog.Default(), NewHandler(svc, env.execs, slog.Default()), testJWTKey)
	return env
}

func (e *triggerEnv) seedWebhookJob(t *testing.T) *domain.Webhook {
	t.Helper()
	e.jobs.jobs["j1"] = &domain.Job{
		ID:             "j1",
		Name:           "relay",
		Enabled:        true,
		TimeoutSeconds: 60,
		Triggers:       domain.Triggers{Webhook: true, Manual: true},
	}
	wh := &domain.Webhook{
		ID:        "wh-1",
		JobID:     "j1",
		URLPath:   "abc123",
		SecretKey: "hook-secret",
		Enabled:   true,
	}
	e.webhooks.byPath[wh.URLPath] = wh
	return wh
}

func (e *triggerEnv) postHook(wh *domain.Webhook, body string, sign bool, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/"+wh.URLPath, strings.NewReader(body))
	if sign {
		req.Header.Set(SignatureHeader, Sign(wh.SecretKey, []byte(body)))
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func bearerToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(testJWTKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

// --- webhook tests ---

func TestWebhookAccepted(t *testing.T) {
	env := newTriggerEnv(t)
	wh := env.seedWebhookJob(t)

	body := `{"event": "deploy", "sha": "abc"}`
	rec := env.postHook(wh, body, true, func(r *http.Request) {
		r.URL.RawQuery = "env=prod"
		r.Header.Set("X-Source", "ci")
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(domain.ExecutionPending) {
		t.Fatalf("expected pending, got %s", resp.Status)
	}

	if len(env.pub.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(env.pub.messages))
	}

	// The request data must be durable before the worker can see the message.
	jc, err := env.contexts.Load(context.Background(), "j1", resp.ExecutionID)
	if err != nil {
		t.Fatalf("initial context not persisted: %v", err)
	}
	if jc.Webhook == nil {
		t.Fatal("webhook data missing from context")
	}
	if jc.Webhook.Payload["event"] != "deploy" {
		t.Fatalf("payload not captured: %v", jc.Webhook.Payload)
	}
	if jc.Webhook.Query["env"] != "prod" {
		t.Fatalf("query not captured: %v", jc.Webhook.Query)
	}
	if jc.Webhook.Headers["X-Source"] != "ci" {
		t.Fatalf("headers not captured: %v", jc.Webhook.Headers)
	}
	if _, ok := jc.Webhook.Headers[SignatureHeader]; ok {
		t.Fatal("signature header must not be forwarded into the context")
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTriggerEnv(t)
	wh := env.seedWebhookJob(t)

	rec := env.postHook(wh, `{"event": "x"}`, false, func(r *http.Request) {
		r.Header.Set(SignatureHeader, "deadbeef")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = env.postHook(wh, `{"event": "x"}`, false, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: expected 401, got %d", rec.Code)
	}

	if len(env.pub.messages) != 0 {
		t.Fatal("unauthenticated request must not enqueue")
	}
}

func TestWebhookUnknownAndDisabledPath(t *testing.T) {
	env := newTriggerEnv(t)
	wh := env.seedWebhookJob(t)

	ghost := &domain.Webhook{URLPath: "nope", SecretKey: "x"}
	rec := env.postHook(ghost, "{}", true, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path: expected 404, got %d", rec.Code)
	}

	// A disabled registration exists but refuses the trigger.
	wh.Enabled = false
	rec = env.postHook(wh, "{}", true, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled webhook: expected 403, got %d", rec.Code)
	}
	if len(env.pub.messages) != 0 {
		t.Fatal("disabled webhook must not enqueue")
	}
}

func TestWebhookRateLimited(t *testing.T) {
	env := newTriggerEnv(t)
	wh := env.seedWebhookJob(t)
	wh.RateLimit = &domain.RateLimit{MaxRequests: 1, WindowSeconds: 60}
	env.jobs.jobs["j1"].AllowConcurrent = true

	if rec := env.postHook(wh, "{}", true, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first request: expected 202, got %d", rec.Code)
	}
	if rec := env.postHook(wh, "{}", true, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
}

func TestWebhookJobChecks(t *testing.T) {
	env := newTriggerEnv(t)
	wh := env.seedWebhookJob(t)

	env.jobs.jobs["j1"].Enabled = false
	if rec := env.postHook(wh, "{}", true, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("disabled job: expected 403, got %d", rec.Code)
	}

	env.jobs.jobs["j1"].Enabled = true
	env.jobs.jobs["j1"].Triggers.Webhook = false
	if rec := env.postHook(wh, "{}", true, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("trigger not allowed: expected 403, got %d", rec.Code)
	}

	delete(env.jobs.jobs, "j1")
	if rec := env.postHook(wh, "{}", true, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("dangling webhook: expected 403, got %d", rec.Code)
	}
}

func TestWebhookConcurrentExecution(t *testing.T) {
	env := newTriggerEnv(t)
	wh := env.seedWebhookJob(t)

	env.execs.Create(context.Background(), &domain.JobExecution{
		ID: "busy", JobID: "j1", IdempotencyKey: "manual:j1:busy", Status: domain.ExecutionRunning,
	})

	if rec := env.postHook(wh, "{}", true, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

// --- manual trigger tests ---

func TestManualTriggerAccepted(t *testing.T) {
	env := newTriggerEnv(t)
	env.seedWebhookJob(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/j1/trigger", nil)
	req.Header.Set("Authorization", bearerToken(t, "user-1"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.pub.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(env.pub.messages))
	}

	for _, e := range env.execs.byKey {
		if e.Trigger.Type != domain.TriggerManual {
			t.Fatalf("expected manual trigger, got %s", e.Trigger.Type)
		}
		if e.Trigger.User != "user-1" {
			t.Fatalf("expected token subject recorded, got %q", e.Trigger.User)
		}
	}
}

func TestManualTriggerAuthRequired(t *testing.T) {
	env := newTriggerEnv(t)
	env.seedWebhookJob(t)

	cases := []struct {
		name   string
		header string
	}{
		{"no token", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/jobs/j1/trigger", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, rec.Code)
		}
	}
	if len(env.pub.messages) != 0 {
		t.Fatal("unauthenticated request must not enqueue")
	}
}

func TestManualTriggerRejectsExpiredToken(t *testing.T) {
	env := newTriggerEnv(t)
	env.seedWebhookJob(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := tok.SignedString(testJWTKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/jobs/j1/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestManualTriggerErrors(t *testing.T) {
	env := newTriggerEnv(t)
	env.seedWebhookJob(t)
	token := bearerToken(t, "user-1")

	post := func(jobID string) int {
		req := httptest.NewRequest(http.MethodPost, "/jobs/"+jobID+"/trigger", nil)
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post("missing"); code != http.StatusNotFound {
		t.Fatalf("unknown job: expected 404, got %d", code)
	}

	env.jobs.jobs["j1"].Enabled = false
	if code := post("j1"); code != http.StatusForbidden {
		t.Fatalf("disabled job: expected 403, got %d", code)
	}
	env.jobs.jobs["j1"].Enabled = true

	env.jobs.jobs["j1"].Triggers.Manual = false
	if code := post("j1"); code != http.StatusForbidden {
		t.Fatalf("manual not allowed: expected 403, got %d", code)
	}
	env.jobs.jobs["j1"].Triggers.Manual = true

	env.execs.Create(context.Background(), &domain.JobExecution{
		ID: "busy", JobID: "j1", IdempotencyKey: "manual:j1:busy", Status: domain.ExecutionPending,
	})
	if code := post("j1"); code != http.StatusConflict {
		t.Fatalf("concurrent execution: expected 409, got %d", code)
	}
}

func TestGetExecution(t *testing.T) {
	env := newTriggerEnv(t)
	stepID := "fetch"
	env.execs.Create(context.Background(), &domain.JobExecution{
		ID:             "exec-1",
		JobID:          "j1",
		IdempotencyKey: "manual:j1:exec-1",
		Status:         domain.ExecutionRunning,
		Attempt:        2,
		CurrentStep:    &stepID,
	})
	token := bearerToken(t, "user-1")

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-1", nil)
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		ID          string  `json:"id"`
		Status      string  `json:"status"`
		Attempt     int     `json:"attempt"`
		CurrentStep *string `json:"current_step"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "exec-1" || resp.Status != "running" || resp.Attempt != 2 {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if resp.CurrentStep == nil || *resp.CurrentStep != "fetch" {
		t.Fatalf("current step missing: %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/executions/ghost", nil)
	req.Header.Set("Authorization", token)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
