// Package app wires configuration, logging, the HTTP/websocket surface,
// and the single serial command loop into one running server, grounded on
// services/gamification/internal/app/app.go's Application shape.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"log/slog"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"nrgchamp/quizcadence/internal/broadcast"
	"nrgchamp/quizcadence/internal/cadence"
	"nrgchamp/quizcadence/internal/config"
	"nrgchamp/quizcadence/internal/core"
	"nrgchamp/quizcadence/internal/eventlog"
	"nrgchamp/quizcadence/internal/registry"
	"nrgchamp/quizcadence/internal/rooms"
	msgrouter "nrgchamp/quizcadence/internal/router"
	"nrgchamp/quizcadence/internal/transport"
)

// healthState tracks HTTP readiness independent of process liveness, the
// way a container orchestrator's liveness/readiness split expects.
type healthState struct {
	ready atomic.Bool
}

func (h *healthState) SetReady(v bool) { h.ready.Store(v) }
func (h *healthState) Ready() bool     { return h.ready.Load() }

// Application owns every long-lived collaborator: the HTTP/websocket
// server, the cadence engine, and the domain stores the serial command
// loop mutates.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile *os.File
	server  *http.Server
	health  *healthState

	hub       *transport.Hub
	clock     *cadence.Clock
	scheduler *cadence.Scheduler
	reg       *registry.Registry
	roomMgr   *rooms.Manager
	bus       *broadcast.Bus
	rt        *msgrouter.Router
	publisher *eventlog.Publisher
}

// New prepares a fully wired Application from cfg.
func New(cfg config.Config) (*Application, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	if strings.TrimSpace(cfg.LogFilePath) == "" {
		return nil, errors.New("log file path cannot be empty")
	}
	logPath := filepath.Clean(cfg.LogFilePath)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := newLogger(lf)
	health := &healthState{}

	hub := transport.New(logger, nil)
	reg := registry.New()
	roomMgr := rooms.New(core.RoomNum(cfg.MinRoom), cfg.NumRooms)
	bus := broadcast.New(hub)

	publisher := eventlog.New(eventlog.Config{
		Brokers:          cfg.KafkaBrokers,
		Topic:            cfg.KafkaTopic,
		WriteTimeout:     cfg.KafkaWriteTimeout,
		BreakerMaxFails:  cfg.BreakerMaxFailures,
		BreakerResetWait: cfg.BreakerResetTimeout,
	}, logger)

	clock := cadence.NewClock(cadence.ClockConfig{
		Cycle:             cfg.Cycle,
		Lobby:             cfg.Lobby,
		Normal:            cfg.Normal,
		Fast:              cfg.Fast,
		Slow:              cfg.Slow,
		Faster:            cfg.Faster,
		Slower:            cfg.Slower,
		ErrThreshold:      cfg.ErrThreshold,
		ErrThresholdLarge: cfg.ErrThresholdLarge,
		InitOffset:        cfg.InitOffset,
		LargeSkewEnabled:  cfg.LargeSkewEnabled,
	}, logger, nil)

	scheduler := cadence.NewScheduler(cadence.SchedulerConfig{
		Cycle:      cfg.Cycle,
		Lobby:      cfg.Lobby,
		MaxSkipFwd: cfg.MaxSkipFwd,
	}, roomMgr, reg, bus, clock, publisher, logger, nil)

	rt := msgrouter.New(reg, roomMgr, bus, scheduler, logger)

	httpRouter := mux.NewRouter()
	httpRouter.Handle("/ws", hub).Methods(http.MethodGet)
	httpRouter.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	httpRouter.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if health.Ready() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}).Methods(http.MethodGet)

	logged := handlers.LoggingHandler(lf, httpRouter)
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           logged,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}

	return &Application{
		cfg:       cfg,
		logger:    logger,
		logFile:   lf,
		server:    server,
		health:    health,
		hub:       hub,
		clock:     clock,
		scheduler: scheduler,
		reg:       reg,
		roomMgr:   roomMgr,
		bus:       bus,
		rt:        rt,
		publisher: publisher,
	}, nil
}

// Logger exposes the configured slog logger.
func (a *Application) Logger() *slog.Logger { return a.logger }

// Run blocks until ctx is cancelled. It starts the HTTP server, the Clock's
// timer goroutine, and the single serial command loop that owns every
// mutation of Registry/Room Manager/round state (spec.md §5).
func (a *Application) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		a.health.SetReady(true)
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		err := a.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	clockCtx, cancelClock := context.WithCancel(ctx)
	defer cancelClock()
	go a.clock.Run(clockCtx)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.runCommandLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown_signal")
		a.health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("server_shutdown_failed", slog.Any("err", err))
			return fmt.Errorf("shutdown: %w", err)
		}
		<-loopDone
		if err := <-serverErr; err != nil {
			a.logger.Error("server_shutdown_error", slog.Any("err", err))
			return err
		}
		a.logger.Info("shutdown_complete")
		return nil
	case err := <-serverErr:
		a.health.SetReady(false)
		cancelClock()
		<-loopDone
		if err != nil {
			a.logger.Error("http_server_error", slog.Any("err", err))
			return err
		}
		a.logger.Info("server_closed")
		return nil
	}
}

// runCommandLoop is the single serial actor spec.md §5 requires: the only
// goroutine that ever mutates Registry, Room Manager, or round state.
func (a *Application) runCommandLoop(ctx context.Context) {
	firstTickSeen := false
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-a.clock.Ticks():
			if !firstTickSeen {
				firstTickSeen = true
				a.scheduler.OnFirstTick(tick)
				continue
			}
			a.scheduler.OnTick(tick)
		case msg := <-a.hub.Inbound():
			a.dispatch(msg)
		case sessionID := <-a.hub.Disconnected():
			a.rt.HandleDisconnect(sessionID)
		}
	}
}

func (a *Application) dispatch(msg transport.InboundMessage) {
	switch msg.Event {
	case "client_ready":
		a.rt.HandleClientReady(msg.SessionID, msg.Payload)
	case "change_room":
		a.rt.HandleChangeRoom(msg.SessionID, msg.Payload)
	case "player_scored":
		a.rt.HandlePlayerScored(msg.SessionID, msg.Payload)
	case "request_final_score":
		a.rt.HandleRequestFinalScore(msg.SessionID)
	case "disconnect":
		a.rt.HandleDisconnect(msg.SessionID)
	default:
		a.logger.Warn("unknown_event", slog.String("event", msg.Event), slog.String("session_id", msg.SessionID))
	}
}

// Close releases resources owned directly by Application.
func (a *Application) Close() error {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.logFile == nil {
		return nil
	}
	if err := a.logFile.Close(); err != nil {
		return err
	}
	a.logFile = nil
	return nil
}
