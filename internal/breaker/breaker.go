// Package breaker keeps one circuit breaker per downstream target. State is
// per-worker by design: each replica learns target health independently,
// trading duplicated probing for zero cross-replica coordination.
package breaker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/conveyr/conveyr/internal/domain"
	"github.com/conveyr/conveyr/internal/metrics"
	"github.com/sony/gobreaker"
)

type Settings struct {
	FailureThreshold uint32        // consecutive failures before Closed -> Open
	OpenTimeout      time.Duration // Open -> HalfOpen
	SuccessThreshold uint32        // HalfOpen successes before -> Closed
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Registry is the only process-wide mutable state in the core; its
// lifecycle is tied to the worker process.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn under the breaker for target. When the breaker is open
// the call fails immediately with a retryable circuit_open error.
func (r *Registry) Execute(target string, fn func() (any, error)) (any, error) {
	cb := r.get(target)
	out, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewError(domain.KindCircuitOpen, true,
			fmt.Errorf("circuit open for target %s", target))
	}
	return out, err
}

func (r *Registry) get(target string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[target]; ok {
		return cb
	}

	s := r.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: target,
		// HalfOpen admits SuccessThreshold probes; that many consecutive
		// successes close the breaker, any failure reopens it.
		MaxRequests: s.SuccessThreshold,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	r.breakers[target] = cb
	return cb
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// TargetKey composes the breaker key from step type and destination: host
// for HTTP/SFTP, host+database for database steps. Resolution has already
// happened, so the key reflects the real destination.
func TargetKey(step *domain.Step) string {
	switch step.Type {
	case domain.StepHTTP:
		if u, err := url.Parse(step.HTTP.URL); err == nil && u.Host != "" {
			return "http:" + u.Host
		}
		return "http:" + step.HTTP.URL
	case domain.StepDatabase:
		return "db:" + dbTarget(step.Database.ConnectionString)
	case domain.StepSftp:
		return "sftp:" + step.Sftp.Host
	case domain.StepFile:
		// File steps run against our own blob store; share one breaker.
		return "file:blob"
	default:
		return "unknown:" + step.ID
	}
}

func dbTarget(connString string) string {
	if u, err := url.Parse(connString); err == nil && u.Host != "" {
		return u.Host + strings.TrimSuffix(u.Path, "/")
	}
	return connString
}
