package eventlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/quizcadence/internal/circuitbreaker"
	"nrgchamp/quizcadence/internal/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubWriter is safe for concurrent use: PublishRoundLifecycle now dispatches
// the actual write onto its own goroutine, so tests observe it via notify
// rather than by reading state immediately after the call returns.
type stubWriter struct {
	writeErr error
	notify   chan struct{}

	mu     sync.Mutex
	writes []kafka.Message
	closed bool
}

func (s *stubWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	defer func() {
		if s.notify != nil {
			s.notify <- struct{}{}
		}
	}()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, msgs...)
	return nil
}

func (s *stubWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubWriter) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *stubWriter) firstKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.writes[0].Key)
}

func (s *stubWriter) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// awaitNotify blocks until n writes have been observed or the timeout
// elapses, failing the test on timeout.
func awaitNotify(t *testing.T, notify chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-notify:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for async publish %d/%d", i+1, n)
		}
	}
}

func TestNewWithNoBrokersIsDisabledNoOp(t *testing.T) {
	p := New(Config{}, testLogger())

	// Must not panic and must not attempt any write since there is no writer.
	p.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "play", At: time.Now()})

	if err := p.Close(); err != nil {
		t.Fatalf("Close on a disabled publisher should be a no-op, got %v", err)
	}
}

func TestPublishRoundLifecycleWritesWhenEnabled(t *testing.T) {
	w := &stubWriter{notify: make(chan struct{}, 1)}
	p := &Publisher{
		logger:  testLogger(),
		writer:  w,
		topic:   "quiz-rounds",
		timeout: time.Second,
		brk:     circuitbreaker.New("test", circuitbreaker.Config{MaxFailures: 3, ResetTimeout: time.Hour}, testLogger()),
		enabled: true,
	}

	p.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "play", At: time.Now()})
	awaitNotify(t, w.notify, 1)

	if w.writeCount() != 1 {
		t.Fatalf("expected exactly one Kafka write, got %d", w.writeCount())
	}
	if w.firstKey() != "play" {
		t.Fatalf("expected message key \"play\", got %q", w.firstKey())
	}
}

func TestPublishRoundLifecycleReturnsBeforeTheWriteCompletes(t *testing.T) {
	block := make(chan struct{})
	release := make(chan struct{})
	w := &blockingWriter{block: block, release: release}
	p := &Publisher{
		logger:  testLogger(),
		writer:  w,
		topic:   "quiz-rounds",
		timeout: time.Minute,
		brk:     circuitbreaker.New("test", circuitbreaker.Config{MaxFailures: 3, ResetTimeout: time.Hour}, testLogger()),
		enabled: true,
	}

	done := make(chan struct{})
	go func() {
		p.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "play", At: time.Now()})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("PublishRoundLifecycle must return without waiting on the write")
	}

	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatalf("expected the write to have started on its own goroutine")
	}
	close(release)
}

// blockingWriter's WriteMessages blocks on release, proving the caller of
// PublishRoundLifecycle never waits for it.
type blockingWriter struct {
	block   chan struct{}
	release chan struct{}
}

func (b *blockingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	close(b.block)
	<-b.release
	return nil
}

func (b *blockingWriter) Close() error { return nil }

func TestPublishRoundLifecycleSwallowsWriteFailure(t *testing.T) {
	w := &stubWriter{writeErr: errors.New("broker unreachable"), notify: make(chan struct{}, 3)}
	p := &Publisher{
		logger:  testLogger(),
		writer:  w,
		topic:   "quiz-rounds",
		timeout: time.Second,
		brk:     circuitbreaker.New("test", circuitbreaker.Config{MaxFailures: 3, ResetTimeout: time.Hour}, testLogger()),
		enabled: true,
	}

	// Must not panic nor propagate an error to the caller; failures are
	// dropped analytics, never a round-scheduling concern.
	p.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "lobby", At: time.Now()})
	p.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "lobby", At: time.Now()})
	p.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "lobby", At: time.Now()})
	awaitNotify(t, w.notify, 3)

	// The notify fires as WriteMessages returns, a moment before Execute
	// records the failure against the breaker; poll briefly rather than
	// assume that bookkeeping has already landed.
	deadline := time.Now().Add(time.Second)
	for p.brk.State() != circuitbreaker.Open && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.brk.State() != circuitbreaker.Open {
		t.Fatalf("expected breaker to be Open after repeated failures, got %v", p.brk.State())
	}
}

func TestCloseClosesUnderlyingWriterWhenEnabled(t *testing.T) {
	w := &stubWriter{}
	p := &Publisher{logger: testLogger(), writer: w, enabled: true}

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.closed {
		t.Fatalf("expected underlying writer to be closed")
	}
}
