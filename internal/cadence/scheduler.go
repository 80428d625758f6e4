package cadence

import (
	"log/slog"
	"sync"
	"time"

	"nrgchamp/quizcadence/internal/core"
	"nrgchamp/quizcadence/internal/registry"
)

// SchedulerConfig carries the round-length constants spec.md §4.2 uses.
type SchedulerConfig struct {
	Cycle      time.Duration
	Lobby      time.Duration
	MaxSkipFwd time.Duration
}

// DefaultSchedulerConfig mirrors spec.md's documented defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Cycle:      180 * time.Second,
		Lobby:      30 * time.Second,
		MaxSkipFwd: 9 * time.Second,
	}
}

// RoomSource is the subset of rooms.Manager the Scheduler needs: the static
// room list and per-room membership.
type RoomSource interface {
	AllRooms() []core.RoomNum
	Members(room core.RoomNum) []string
	Occupancy(room core.RoomNum) int
}

// PlayerSource is the subset of registry.Registry the Scheduler needs.
type PlayerSource interface {
	Many(sessionIDs []string) []core.Player
	ResetForNewRound()
}

// Broadcaster is the subset of broadcast.Bus the Scheduler drives.
type Broadcaster interface {
	BroadcastAll(event string, payload any)
	BroadcastToRoom(room core.RoomNum, event string, payload any)
}

// EventPublisher is the subset of eventlog.Publisher the Scheduler drives for
// the additive round-lifecycle analytics event (SPEC_FULL.md §8-9).
type EventPublisher interface {
	PublishRoundLifecycle(evt core.RoundLifecycleEvent)
}

// ClockCalibrator is the subset of Clock the Scheduler needs to invoke fine
// calibration once per tick.
type ClockCalibrator interface {
	Calibrate(now time.Time)
}

// Scheduler drives the Play<->Lobby state machine described in spec.md §4.2.
// All of its exported Tick-handling methods are meant to be invoked from a
// single serial command loop; the internal mutex exists only to let
// unrelated goroutines (HTTP diagnostics) read a consistent snapshot.
type Scheduler struct {
	cfg   SchedulerConfig
	rooms RoomSource
	players PlayerSource
	bus   Broadcaster
	clock ClockCalibrator
	events EventPublisher
	logger *slog.Logger

	nowFn func() time.Time

	mu              sync.RWMutex
	secsRemaining   int
	phase           core.Phase
	roundInProgress bool
	lastResults     map[core.RoomNum][]core.LeaderboardEntry
}

// NewScheduler constructs a Scheduler. nowFn defaults to time.Now.
func NewScheduler(cfg SchedulerConfig, rooms RoomSource, players PlayerSource, bus Broadcaster, clock ClockCalibrator, events EventPublisher, logger *slog.Logger, nowFn func() time.Time) *Scheduler {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Scheduler{
		cfg:         cfg,
		rooms:       rooms,
		players:     players,
		bus:         bus,
		clock:       clock,
		events:      events,
		logger:      logger,
		nowFn:       nowFn,
		phase:       core.Lobby,
		lastResults: make(map[core.RoomNum][]core.LeaderboardEntry),
	}
}

func (s *Scheduler) phaseFor(secsRemaining int) core.Phase {
	if time.Duration(secsRemaining)*time.Second > s.cfg.Lobby {
		return core.Play
	}
	return core.Lobby
}

// RoundInProgress reports whether Play is currently active. Safe for
// concurrent callers (e.g. the Router deciding incomplete_round for
// Registry.Attach).
func (s *Scheduler) RoundInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roundInProgress
}

// Phase reports the current round phase.
func (s *Scheduler) Phase() core.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SecsRemaining reports the current countdown value.
func (s *Scheduler) SecsRemaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secsRemaining
}

// LastResults returns a defensive copy of room's last compiled results.
func (s *Scheduler) LastResults(room core.RoomNum) []core.LeaderboardEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.lastResults[room]
	out := make([]core.LeaderboardEntry, len(entries))
	copy(out, entries)
	return out
}

// PlaySeconds returns PLAY = CYCLE - LOBBY, the payload of round_started.
func (s *Scheduler) PlaySeconds() int {
	return int((s.cfg.Cycle - s.cfg.Lobby).Seconds())
}

// LobbySeconds returns the LOBBY constant, the payload of round_ended.
func (s *Scheduler) LobbySeconds() int {
	return int(s.cfg.Lobby.Seconds())
}

// OnFirstTick handles the Clock's initial one-shot-aligned tick (spec.md
// §4.2 "First tick").
func (s *Scheduler) OnFirstTick(tick Tick) {
	s.mu.Lock()
	secs := tick.InitialSecsRemaining
	if secs == 0 {
		secs = int(s.cfg.Cycle.Seconds())
	}
	phase := s.phaseFor(secs)
	s.secsRemaining = secs
	s.mu.Unlock()

	if phase == core.Lobby {
		s.enterLobby()
	} else {
		s.enterPlay()
	}

	s.mu.Lock()
	s.secsRemaining--
	s.mu.Unlock()

	s.clock.Calibrate(tick.At)
}

// OnTick handles an ordinary recurring-timer tick (spec.md §4.2 "Ordinary
// tick dispatch").
func (s *Scheduler) OnTick(tick Tick) {
	s.mu.Lock()
	secs := s.secsRemaining
	lobby := int(s.cfg.Lobby.Seconds())
	s.mu.Unlock()

	switch {
	case secs > lobby:
		s.playTick()
		s.mu.Lock()
		s.secsRemaining--
		becameLobby := s.secsRemaining == lobby
		s.mu.Unlock()
		if becameLobby {
			s.enterLobby()
		}
	case secs == lobby-1:
		s.coarseAdjust(tick.At)
		s.lobbyTick()
		s.mu.Lock()
		s.secsRemaining--
		s.mu.Unlock()
	default:
		s.lobbyTick()
		s.mu.Lock()
		s.secsRemaining--
		becameZero := s.secsRemaining == 0
		if becameZero {
			s.secsRemaining = int(s.cfg.Cycle.Seconds())
		}
		s.mu.Unlock()
		if becameZero {
			s.enterPlay()
		}
	}

	s.clock.Calibrate(tick.At)
}

// enterPlay implements spec.md §4.2 Enter-Play.
func (s *Scheduler) enterPlay() {
	s.players.ResetForNewRound()

	s.mu.Lock()
	s.roundInProgress = true
	s.phase = core.Play
	s.mu.Unlock()

	s.bus.BroadcastAll("round_started", s.PlaySeconds())
	if s.logger != nil {
		s.logger.Info("round_entered_play", slog.Int("play_seconds", s.PlaySeconds()))
	}
	if s.events != nil {
		s.events.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "play", At: s.nowFn()})
	}

	s.playTick()
}

// enterLobby implements spec.md §4.2 Enter-Lobby.
func (s *Scheduler) enterLobby() {
	s.mu.Lock()
	s.roundInProgress = false
	s.phase = core.Lobby
	s.mu.Unlock()

	s.bus.BroadcastAll("round_ended", s.LobbySeconds())

	results := make(map[core.RoomNum][]core.LeaderboardEntry)
	for _, room := range s.rooms.AllRooms() {
		members := s.rooms.Members(room)
		players := s.players.Many(members)
		entries := leadersOf(players)
		results[room] = entries
	}

	s.mu.Lock()
	s.lastResults = results
	s.mu.Unlock()

	for _, room := range s.rooms.AllRooms() {
		entries := results[room]
		if s.rooms.Occupancy(room) > 0 && len(entries) > 0 {
			s.bus.BroadcastToRoom(room, "room_round_results", entries)
		}
	}

	if s.logger != nil {
		s.logger.Info("round_entered_lobby", slog.Int("lobby_seconds", s.LobbySeconds()))
	}
	if s.events != nil {
		s.events.PublishRoundLifecycle(core.RoundLifecycleEvent{Phase: "lobby", At: s.nowFn(), RoomResults: results})
	}

	s.lobbyTick()
}

// playTick implements spec.md §4.2 Play-tick.
func (s *Scheduler) playTick() {
	s.mu.RLock()
	secs := s.secsRemaining
	lobby := int(s.cfg.Lobby.Seconds())
	s.mu.RUnlock()
	timeRemaining := secs - lobby

	for _, room := range s.rooms.AllRooms() {
		if s.rooms.Occupancy(room) == 0 {
			continue
		}
		players := s.players.Many(s.rooms.Members(room))
		leaders := leadersOf(players)
		payload := map[string]any{
			"time_remaining": timeRemaining,
			"leaders":        leaders,
		}
		s.bus.BroadcastToRoom(room, "play_timer_update", payload)
	}
}

// lobbyTick implements spec.md §4.2 Lobby-tick.
func (s *Scheduler) lobbyTick() {
	s.mu.RLock()
	secs := s.secsRemaining
	s.mu.RUnlock()

	for _, room := range s.rooms.AllRooms() {
		if s.rooms.Occupancy(room) == 0 {
			continue
		}
		s.bus.BroadcastToRoom(room, "lobby_timer_update", secs)
	}
}

// coarseAdjust implements spec.md §4.2's once-per-cycle coarse adjustment,
// retiming the Lobby length against the absolute wall-clock cadence.
func (s *Scheduler) coarseAdjust(now time.Time) {
	cycleMillis := s.cfg.Cycle.Milliseconds()
	nowMillis := now.UnixMilli()
	nextCycle := ceilToMultiple(nowMillis, cycleMillis)
	msecUntilNextCycle := nextCycle - nowMillis
	actual := int((msecUntilNextCycle + 500) / 1000)

	s.mu.Lock()
	defer s.mu.Unlock()
	if actual == s.secsRemaining {
		return
	}
	lobby := int(s.cfg.Lobby.Seconds())
	maxSkip := int(s.cfg.MaxSkipFwd.Seconds())
	floor := s.secsRemaining - maxSkip
	ceiling := actual
	if lobby < ceiling {
		ceiling = lobby
	}
	newValue := ceiling
	if floor > newValue {
		newValue = floor
	}
	if s.logger != nil {
		s.logger.Info("coarse_adjustment",
			slog.Int("from", s.secsRemaining),
			slog.Int("to", newValue),
			slog.Int("actual", actual))
	}
	s.secsRemaining = newValue
}

func leadersOf(players []core.Player) []core.LeaderboardEntry {
	return registry.LeadersDescending(players)
}
