package redisx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/redis/go-redis/v9"
)

type QueueConfig struct {
	Stream       string
	Group        string
	Consumer     string
	Concurrency  int
	MaxDeliver   int           // deliveries before a message is dropped as poisoned
	DedupWindow  time.Duration // server-side dedup retention, typically 24h
	ClaimMinIdle time.Duration // per-message lease before redelivery kicks in
}

// Queue is the durable execution queue on a Redis stream. Publishes are
// deduplicated on the idempotency key; one consumer group per deployment
// gives at-least-once delivery with XAUTOCLAIM-based redelivery.
type Queue struct {
	client *redis.Client
	cfg    QueueConfig
	logger *slog.Logger
	sem    chan struct{}
}

func NewQueue(client *redis.Client, cfg QueueConfig, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		sem:    make(chan struct{}, cfg.Concurrency),
	}
}

func (q *Queue) dedupKey(idempotencyKey string) string {
	return q.cfg.Stream + ":dedup:" + idempotencyKey
}

func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	ok, err := q.client.SetNX(ctx, q.dedupKey(msg.IdempotencyKey), msg.ExecutionID, q.cfg.DedupWindow).Result()
	if err != nil {
		return fmt.Errorf("queue dedup check: %w", err)
	}
	if !ok {
		metrics.QueueDedupDroppedTotal.Inc()
		q.logger.Info("duplicate publish discarded", "idempotency_key", msg.IdempotencyKey)
		return nil
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			"execution_id":    msg.ExecutionID,
			"job_id":          msg.JobID,
			"idempotency_key": msg.IdempotencyKey,
			"attempt":         msg.Attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue publish: %w", err)
	}
	metrics.QueuePublishedTotal.Inc()
	return nil
}

// Consume blocks until ctx is cancelled. Messages are handled on a bounded
// pool; acknowledged only after the handler returns nil.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	go q.reclaimLoop(ctx, h)

	q.logger.Info("queue consumer started",
		"stream", q.cfg.Stream, "group", q.cfg.Group, "consumer", q.cfg.Consumer)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue consumer shut down")
			return nil
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    int64(q.cfg.Concurrency),
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			q.logger.Error("queue read", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, m := range stream.Messages {
				q.dispatch(ctx, h, m, 1)
			}
		}
	}
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// dispatch runs the handler on the pool and acks on success. A failed
// handler leaves the entry pending; the reclaim loop redelivers it after
// the per-message lease expires.
func (q *Queue) dispatch(ctx context.Context, h queue.Handler, m redis.XMessage, delivery int) {
	q.sem <- struct{}{}
	go func() {
		defer func() { <-q.sem }()

		msg, err := parseMessage(m)
		if err != nil {
			q.logger.Error("malformed queue message, dropping", "message_id", m.ID, "error", err)
			q.ack(ctx, m.ID)
			return
		}
		msg.Attempt = delivery

		if err := h(ctx, msg); err != nil {
			q.logger.Warn("handler failed, message stays pending",
				"message_id", m.ID, "execution_id", msg.ExecutionID, "error", err)
			return
		}
		q.ack(ctx, m.ID)
	}()
}

func (q *Queue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		q.logger.Error("queue ack", "message_id", id, "error", err)
	}
}

// reclaimLoop redelivers entries whose consumer went quiet. Entries past
// MaxDeliver are acknowledged and dropped; by then the execution row is
// already DeadLetter or will be reconciled by the idempotency gate.
func (q *Queue) reclaimLoop(ctx context.Context, h queue.Handler) {
	ticker := time.NewTicker(q.cfg.ClaimMinIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reclaim(ctx, h)
		}
	}
}

func (q *Queue) reclaim(ctx context.Context, h queue.Handler) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   q.cfg.ClaimMinIdle,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			q.logger.Error("queue pending scan", "error", err)
		}
		return
	}

	for _, p := range pending {
		if p.RetryCount >= int64(q.cfg.MaxDeliver) {
			metrics.QueueDroppedTotal.Inc()
			q.logger.Warn("message exceeded max deliveries, dropping",
				"message_id", p.ID, "deliveries", p.RetryCount)
			q.ack(ctx, p.ID)
			continue
		}

		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.logger.Error("queue claim", "message_id", p.ID, "error", err)
			}
			continue
		}
		for _, m := range claimed {
			metrics.QueueRedeliveredTotal.Inc()
			q.dispatch(ctx, h, m, int(p.RetryCount)+1)
		}
	}
}

func parseMessage(m redis.XMessage) (queue.Message, error) {
	get := func(key string) (string, error) {
		v, ok := m.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %q", key)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q is not a string", key)
		}
		return s, nil
	}

	var msg queue.Message
	var err error
	if msg.ExecutionID, err = get("execution_id"); err != nil {
		return msg, err
	}
	if msg.JobID, err = get("job_id"); err != nil {
		return msg, err
	}
	if msg.IdempotencyKey, err = get("idempotency_key"); err != nil {
		return msg, err
	}
	if raw, err := get("attempt"); err == nil {
		msg.Attempt, _ = strconv.Atoi(raw)
	}
	return msg, nil
}
