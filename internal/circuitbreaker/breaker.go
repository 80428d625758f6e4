// Package circuitbreaker adapts circuit_breaker/circuitbreaker.go's
// Closed/Open/HalfOpen state machine to guard internal/eventlog's Kafka
// publish call instead of an HTTP/Kafka health probe. Kept in-module
// rather than imported externally: the teacher itself only ever consumes
// circuit_breaker through a local replace directive, so it was never a
// real published dependency either.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker fast-fails a call.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config carries the breaker's tunables.
type Config struct {
	MaxFailures  int           // consecutive failures before opening
	ResetTimeout time.Duration // how long to stay Open before probing again
}

// Breaker guards a single operation behind a Closed/Open/HalfOpen state
// machine. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	recentFails int
	openedAt    time.Time
}

// New constructs a Breaker, starting Closed.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	b := &Breaker{name: name, cfg: cfg, logger: logger, state: Closed}
	b.logger.Info("breaker_created", slog.String("name", name), slog.Int("max_failures", cfg.MaxFailures), slog.Duration("reset_timeout", cfg.ResetTimeout))
	return b
}

// Execute runs op under the breaker. When Open and the reset timeout has
// not yet elapsed, it fast-fails with ErrOpen without calling op. When the
// reset timeout has elapsed it transitions to HalfOpen and lets exactly one
// call through as a probe.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	if state == Open && time.Since(openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.mu.Unlock()
		return b.probe(ctx, op)
	}
	b.mu.Unlock()

	if state == Open || state == HalfOpen {
		b.logger.Warn("breaker_fast_fail", slog.String("name", b.name), slog.Duration("since_open", time.Since(openedAt)))
		return ErrOpen
	}

	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	b.onFailure(err)
	b.mu.Lock()
	isOpen := b.state == Open
	b.mu.Unlock()
	if isOpen {
		return ErrOpen
	}
	return err
}

// probe runs one half-open trial call and resolves the breaker to Closed or
// back to Open depending on its outcome.
func (b *Breaker) probe(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	b.state = HalfOpen
	b.mu.Unlock()
	b.logger.Info("breaker_probe_start", slog.String("name", b.name))

	if err := op(ctx); err != nil {
		b.mu.Lock()
		b.state = Open
		b.openedAt = time.Now()
		b.recentFails++
		b.mu.Unlock()
		b.logger.Warn("breaker_probe_failed", slog.String("name", b.name), slog.String("err", err.Error()))
		return err
	}

	b.mu.Lock()
	b.state = Closed
	b.recentFails = 0
	b.mu.Unlock()
	b.logger.Info("breaker_closed_after_probe", slog.String("name", b.name))
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.logger.Info("breaker_state_to_closed", slog.String("name", b.name), slog.String("from", b.state.String()))
	}
	b.state = Closed
	b.recentFails = 0
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	b.logger.Warn("operation_failure", slog.String("name", b.name), slog.Int("failures", b.recentFails), slog.String("err", err.Error()))
	if b.recentFails >= b.cfg.MaxFailures {
		b.state = Open
		b.openedAt = time.Now()
		b.logger.Error("breaker_opened", slog.String("name", b.name), slog.Int("max_failures", b.cfg.MaxFailures))
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
