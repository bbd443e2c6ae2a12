package domain

import (
	"errors"
	"time"
)

var (
	ErrWebhookNotFound     = errors.New("webhook not found")
	ErrWebhookDisabled     = errors.New("webhook is disabled")
	ErrWebhookPathConflict = errors.New("webhook url path already registered")
)

type RateLimit struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
}

type Webhook struct {
	ID        string
	JobID     string
	URLPath   string
	SecretKey string
	Enabled   bool
	RateLimit *RateLimit
	CreatedAt time.Time
	UpdatedAt time.Time
}
