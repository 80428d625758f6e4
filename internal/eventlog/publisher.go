// Package eventlog publishes the additive round-lifecycle analytics event
// (SPEC_FULL.md §8-9) to Kafka, grounded on zone_simulator/kafka.go's
// newKafkaWriter/publish pair. It is fire-and-forget: the quiz server never
// reads these events back, so spec.md's "no external persistence" Non-goal
// holds regardless of whether the sink is configured or reachable.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/quizcadence/internal/circuitbreaker"
	"nrgchamp/quizcadence/internal/core"
)

// Config carries the Kafka brokers/topic and the circuit breaker thresholds
// guarding WriteMessages.
type Config struct {
	Brokers          []string
	Topic            string
	WriteTimeout     time.Duration
	BreakerMaxFails  int
	BreakerResetWait time.Duration
}

// Writer is the subset of *kafka.Writer the publisher needs; satisfied by
// *kafka.Writer itself and by test fakes.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits RoundLifecycleEvents to Kafka. A Publisher constructed
// with no brokers configured is a no-op: New logs once at startup that
// analytics export is disabled, and PublishRoundLifecycle does nothing.
type Publisher struct {
	logger  *slog.Logger
	writer  Writer
	topic   string
	timeout time.Duration
	brk     *circuitbreaker.Breaker
	enabled bool
}

// New constructs a Publisher. If cfg.Brokers is empty, the returned
// Publisher is disabled and every PublishRoundLifecycle call is a no-op.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if len(cfg.Brokers) == 0 {
		logger.Info("eventlog_disabled", slog.String("reason", "no kafka brokers configured"))
		return &Publisher{logger: logger, enabled: false}
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	brk := circuitbreaker.New("eventlog_kafka", circuitbreaker.Config{
		MaxFailures:  cfg.BreakerMaxFails,
		ResetTimeout: cfg.BreakerResetWait,
	}, logger)
	return &Publisher{
		logger:  logger,
		writer:  w,
		topic:   cfg.Topic,
		timeout: cfg.WriteTimeout,
		brk:     brk,
		enabled: true,
	}
}

// PublishRoundLifecycle publishes evt. Safe to call from the serial command
// loop: the breaker-guarded write happens on its own goroutine, so this call
// returns immediately and the caller never blocks on cfg.WriteTimeout or on
// the broker's reachability — a publish failure only ever results in a
// dropped analytics event, never a stalled round transition.
func (p *Publisher) PublishRoundLifecycle(evt core.RoundLifecycleEvent) {
	if !p.enabled {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("eventlog_marshal_failed", slog.String("err", err.Error()))
		return
	}

	go p.publish(evt.Phase, evt.At, payload)
}

// publish runs the breaker-guarded Kafka write. Launched in its own
// goroutine by PublishRoundLifecycle so a slow or unreachable broker can
// only delay this goroutine, never the caller's tick-processing loop.
func (p *Publisher) publish(phase string, at time.Time, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.brk.Execute(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(phase),
			Value: payload,
			Time:  at,
		})
	})
	if err != nil {
		p.logger.Warn("eventlog_publish_failed", slog.String("phase", phase), slog.String("err", err.Error()))
		return
	}
	p.logger.Info("eventlog_published", slog.String("phase", phase))
}

// Close releases the underlying Kafka writer, if any.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	return p.writer.Close()
}
