// Package cadence implements the self-calibrating tick source (Clock) and
// the Play/Lobby round state machine (Scheduler) described in spec.md §4.1
// and §4.2. The Clock's timer-chain shape is grounded on
// device/internal/simulator.go's ticker/quit-channel goroutine, generalized
// from a single fixed interval to a recalibrated one.
package cadence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Interval is one of the five discrete recurring-timer intervals the Clock
// may be calibrated to.
type Interval time.Duration

// ClockConfig carries every Clock constant spec.md §4.1 marks configurable.
type ClockConfig struct {
	Cycle              time.Duration
	Lobby              time.Duration
	Normal             time.Duration
	Fast               time.Duration
	Slow               time.Duration
	Faster             time.Duration
	Slower             time.Duration
	ErrThreshold       time.Duration
	ErrThresholdLarge  time.Duration
	InitOffset         time.Duration
	LargeSkewEnabled   bool
}

// DefaultClockConfig returns spec.md's documented default constants.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		Cycle:             180 * time.Second,
		Lobby:             30 * time.Second,
		Normal:            990 * time.Millisecond,
		Fast:              976 * time.Millisecond,
		Slow:              1004 * time.Millisecond,
		Faster:            960 * time.Millisecond,
		Slower:            1020 * time.Millisecond,
		ErrThreshold:      10 * time.Millisecond,
		ErrThresholdLarge: 25 * time.Millisecond,
		InitOffset:        -10 * time.Millisecond,
		LargeSkewEnabled:  false,
	}
}

// Tick is one firing of the Clock, delivered to whatever owns the serial
// command loop (see internal/app.Application.Run). First is true only for
// the very first tick produced by the initial one-shot; InitialSecsRemaining
// is only meaningful on that first tick.
type Tick struct {
	At                   time.Time
	First                bool
	InitialSecsRemaining int
}

// Clock produces one Tick per second, aligned to wall-clock second
// boundaries, and recalibrates its own recurring timer to correct for drift.
// It does not own round/phase state — that belongs to Scheduler.
type Clock struct {
	cfg    ClockConfig
	logger *slog.Logger

	ticks chan Tick

	mu              sync.Mutex
	currentInterval time.Duration
	recalibrate     chan struct{}

	nowFn func() time.Time
}

// NewClock constructs a Clock. nowFn defaults to time.Now and exists so
// tests can inject a controllable clock source.
func NewClock(cfg ClockConfig, logger *slog.Logger, nowFn func() time.Time) *Clock {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Clock{
		cfg:         cfg,
		logger:      logger,
		ticks:       make(chan Tick, 1),
		recalibrate: make(chan struct{}, 1),
		nowFn:       nowFn,
	}
}

// Ticks returns the channel the serial command loop should select on.
func (c *Clock) Ticks() <-chan Tick { return c.ticks }

// CurrentInterval reports the recurring timer's current interval.
func (c *Clock) CurrentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentInterval
}

// ceilToMultiple rounds ms up to the next multiple of step (both in
// milliseconds since epoch).
func ceilToMultiple(ms, step int64) int64 {
	if step <= 0 {
		return ms
	}
	if ms%step == 0 {
		return ms
	}
	return ((ms / step) + 1) * step
}

// Run computes the startup delay, blocks until the aligned first tick fires,
// emits it, then installs and maintains the recurring timer until ctx is
// cancelled; cancelling ctx stops both timers (the Clock has no separate Stop
// method). Run is meant to be launched in its own
// goroutine; it owns the Clock's single real *time.Timer.
func (c *Clock) Run(ctx context.Context) {
	now := c.nowFn()
	nowMillis := now.UnixMilli()
	cycleMillis := c.cfg.Cycle.Milliseconds()
	nextCycle := ceilToMultiple(nowMillis, cycleMillis)
	delay := time.Duration(nextCycle-nowMillis)*time.Millisecond + c.cfg.InitOffset
	if delay < 0 {
		delay = 0
	}
	initialSecsRemaining := int((nextCycle - nowMillis) / 1000)

	c.mu.Lock()
	c.currentInterval = c.cfg.Normal
	c.mu.Unlock()

	oneshot := time.NewTimer(delay)
	select {
	case <-oneshot.C:
	case <-ctx.Done():
		oneshot.Stop()
		return
	}

	c.emit(Tick{At: c.nowFn(), First: true, InitialSecsRemaining: initialSecsRemaining})

	c.mu.Lock()
	interval := c.currentInterval
	c.mu.Unlock()
	periodic := time.NewTimer(interval)
	defer periodic.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.recalibrate:
			if !periodic.Stop() {
				select {
				case <-periodic.C:
				default:
				}
			}
			c.mu.Lock()
			next := c.currentInterval
			c.mu.Unlock()
			periodic.Reset(next)
		case <-periodic.C:
			c.emit(Tick{At: c.nowFn()})
			c.mu.Lock()
			next := c.currentInterval
			c.mu.Unlock()
			periodic.Reset(next)
		}
	}
}

func (c *Clock) emit(t Tick) {
	select {
	case c.ticks <- t:
	default:
		// Serial loop hasn't drained the previous tick yet; this should never
		// happen at a 1s cadence but we never want the Clock itself to block.
		if c.logger != nil {
			c.logger.Warn("clock_tick_dropped", slog.Time("at", t.At))
		}
	}
}

// Calibrate performs the fine-calibration step of spec.md §4.1: it computes
// the signed offset from the nearest whole second and, if the chosen
// interval differs from the current one, asks Run's goroutine to reset the
// recurring timer. Safe to call from the serial command loop once per tick.
func (c *Clock) Calibrate(now time.Time) {
	millis := now.UnixMilli()
	errMillis := ((millis+500)%1000 + 1000) % 1000 - 500 // signed [-500, 499]

	chosen := c.cfg.Normal
	switch {
	case c.cfg.LargeSkewEnabled && time.Duration(errMillis)*time.Millisecond > c.cfg.ErrThresholdLarge:
		chosen = c.cfg.Faster
	case c.cfg.LargeSkewEnabled && time.Duration(errMillis)*time.Millisecond < -c.cfg.ErrThresholdLarge:
		chosen = c.cfg.Slower
	case time.Duration(errMillis)*time.Millisecond > c.cfg.ErrThreshold:
		chosen = c.cfg.Fast
	case time.Duration(errMillis)*time.Millisecond < -c.cfg.ErrThreshold:
		chosen = c.cfg.Slow
	}

	c.mu.Lock()
	changed := chosen != c.currentInterval
	if changed {
		c.currentInterval = chosen
	}
	c.mu.Unlock()

	if changed {
		select {
		case c.recalibrate <- struct{}{}:
		default:
			// A recalibration signal is already pending; the Run loop will
			// pick up the latest c.currentInterval when it handles it.
		}
	}
}
