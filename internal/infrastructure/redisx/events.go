package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/conveyr/conveyr/internal/events"
	"github.com/redis/go-redis/v9"
)

const (
	jobsChannel            = "events:jobs"
	executionChannelPrefix = "events:executions:"
)

// EventBus fans status changes out over Redis pub/sub. Execution events go
// to a per-execution subject so dashboards can subscribe to a single run;
// job-level events share one channel.
type EventBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewEventBus(client *redis.Client, logger *slog.Logger) *EventBus {
	return &EventBus{client: client, logger: logger.With("component", "event_bus")}
}

func (b *EventBus) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := jobsChannel
	if ev.ExecutionID != "" {
		channel = executionChannelPrefix + ev.ExecutionID
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
