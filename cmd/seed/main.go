// seed prepares a local dev environment: applies the schema, then inserts
// demo jobs (scheduled, manual, webhook) with definitions in the blob store,
// a couple of variables, and one webhook registration.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/blob"
	"github.com/conveyr/conveyr/internal/definition"
	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/infrastructure/postgres"
	"github.com/conveyr/conveyr/internal/secrets"
)

const webhookSecret = "seed-webhook-secret"

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set, run: direnv allow")
	}
	blobRoot := os.Getenv("BLOB_FS_ROOT")
	if blobRoot == "" {
		blobRoot = "./data/blobs"
	}
	encSecret := os.Getenv("ENCRYPTION_SECRET")
	if encSecret == "" {
		encSecret = "local-dev-encryption-secret-32bytes!"
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if err := postgres.ApplySchema(ctx, pool); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	blobs, err := blob.NewFSStore(blobRoot)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	cipher, err := secrets.NewCipher(encSecret)
	if err != nil {
		log.Fatalf("cipher: %v", err)
	}

	jobRepo := postgres.NewJobRepository(pool)
	varRepo := postgres.NewVariableRepository(pool)
	webhookRepo := postgres.NewWebhookRepository(pool)

	// Global plain variable, referenced as ${api_base}.
	if _, err := varRepo.Upsert(ctx, &domain.Variable{
		Name:  "api_base",
		Value: "https://httpbin.org",
		Scope: domain.ScopeGlobal,
	}); err != nil {
		log.Fatalf("upsert api_base: %v", err)
	}

	// Sensitive global, stored as ciphertext, referenced as ${api_token}.
	enc, err := cipher.Encrypt("seed-secret-token")
	if err != nil {
		log.Fatalf("encrypt api_token: %v", err)
	}
	if _, err := varRepo.Upsert(ctx, &domain.Variable{
		Name:        "api_token",
		Value:       enc,
		IsSensitive: true,
		Scope:       domain.ScopeGlobal,
	}); err != nil {
		log.Fatalf("upsert api_token: %v", err)
	}

	scheduled, err := seedJob(ctx, jobRepo, blobs, &domain.Job{
		Name:           "seed-scheduled-ping",
		Enabled:        true,
		TimeoutSeconds: 60,
		MaxRetries:     3,
		Triggers:       domain.Triggers{Scheduled: true, Manual: true},
		Schedule:       &domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 120},
	}, &definition.Definition{
		Name: "seed-scheduled-ping",
		Steps: []domain.Step{
			{
				ID:   "ping",
				Name: "Ping httpbin",
				Type: domain.StepHTTP,
				HTTP: &domain.HTTPStep{
					Method: "GET",
					URL:    "${api_base}/get",
					Headers: map[string]string{
						"Authorization": "Bearer ${api_token}",
					},
				},
			},
		},
	})
	if err != nil {
		log.Fatalf("seed scheduled job: %v", err)
	}

	body := `{"echo": "${steps.ping.output.body.url}"}`
	manual, err := seedJob(ctx, jobRepo, blobs, &domain.Job{
		Name:           "seed-manual-chain",
		Enabled:        true,
		TimeoutSeconds: 120,
		MaxRetries:     2,
		Triggers:       domain.Triggers{Manual: true},
	}, &definition.Definition{
		Name: "seed-manual-chain",
		Steps: []domain.Step{
			{
				ID:   "ping",
				Name: "Fetch source",
				Type: domain.StepHTTP,
				HTTP: &domain.HTTPStep{Method: "GET", URL: "${api_base}/get"},
			},
			{
				ID:        "echo",
				Name:      "Echo previous output",
				Type:      domain.StepHTTP,
				Condition: "${steps.ping.status}",
				HTTP: &domain.HTTPStep{
					Method: "POST",
					URL:    "${api_base}/post",
					Body:   &body,
				},
			},
		},
	})
	if err != nil {
		log.Fatalf("seed manual job: %v", err)
	}

	hooked, err := seedJob(ctx, jobRepo, blobs, &domain.Job{
		Name:           "seed-webhook-relay",
		Enabled:        true,
		TimeoutSeconds: 60,
		MaxRetries:     1,
		Triggers:       domain.Triggers{Webhook: true},
	}, &definition.Definition{
		Name: "seed-webhook-relay",
		Steps: []domain.Step{
			{
				ID:   "relay",
				Name: "Relay webhook payload",
				Type: domain.StepHTTP,
				HTTP: &domain.HTTPStep{
					Method: "POST",
					URL:    "${api_base}/post?event=${webhook.payload.event}",
				},
			},
		},
	})
	if err != nil {
		log.Fatalf("seed webhook job: %v", err)
	}

	urlPath := uuid.NewString()
	wh, err := webhookRepo.Create(ctx, &domain.Webhook{
		JobID:     hooked.ID,
		URLPath:   urlPath,
		SecretKey: webhookSecret,
		Enabled:   true,
		RateLimit: &domain.RateLimit{MaxRequests: 10, WindowSeconds: 60},
	})
	if err != nil {
		if wh, err = webhookRepo.GetByJobID(ctx, hooked.ID); err != nil {
			log.Fatalf("webhook registration: %v", err)
		}
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Scheduled job: %s (%s, fires every 2m)\n", scheduled.Name, scheduled.ID)
	fmt.Printf("  Manual job:    %s (%s)\n", manual.Name, manual.ID)
	fmt.Printf("  Webhook job:   %s (%s)\n", hooked.Name, hooked.ID)
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Printf("  Manual trigger:\n")
	fmt.Printf("    curl -X POST -H \"Authorization: Bearer $JWT\" localhost:8080/jobs/%s/trigger\n", manual.ID)
	fmt.Println()
	fmt.Printf("  Webhook (sign the body with HMAC-SHA256, secret %q):\n", webhookSecret)
	fmt.Printf("    body='{\"event\":\"seed\"}'\n")
	fmt.Printf("    sig=$(printf %%s \"$body\" | openssl dgst -sha256 -hmac %s | awk '{print $2}')\n", webhookSecret)
	fmt.Printf("    curl -X POST -H \"X-Conveyr-Signature: $sig\" -d \"$body\" localhost:8080/hooks/%s\n", wh.URLPath)
}

// seedJob writes the definition blob and inserts the catalog row. Re-runs
// are idempotent: an existing job of the same name is reused.
func seedJob(ctx context.Context, repo *postgres.JobRepository, blobs blob.Store, job *domain.Job, def *definition.Definition) (*domain.Job, error) {
	if existing, err := repo.GetByName(ctx, job.Name); err == nil {
		return existing, nil
	}

	job.ID = uuid.NewString()
	job.DefinitionPath = blob.DefinitionPath(job.ID)
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	data, err := def.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	if err := blobs.Put(ctx, job.DefinitionPath, data); err != nil {
		return nil, fmt.Errorf("write definition: %w", err)
	}

	created, err := repo.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}
