package cadence

import (
	"testing"
	"time"

	"nrgchamp/quizcadence/internal/core"
)

type fakeRooms struct {
	rooms     []core.RoomNum
	members   map[core.RoomNum][]string
}

func (f *fakeRooms) AllRooms() []core.RoomNum { return f.rooms }
func (f *fakeRooms) Members(room core.RoomNum) []string {
	return f.members[room]
}
func (f *fakeRooms) Occupancy(room core.RoomNum) int { return len(f.members[room]) }

type fakePlayers struct {
	byID        map[string]core.Player
	resetCalled int
}

func (f *fakePlayers) Many(sessionIDs []string) []core.Player {
	out := make([]core.Player, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if p, ok := f.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
func (f *fakePlayers) ResetForNewRound() { f.resetCalled++ }

type broadcastCall struct {
	event   string
	room    core.RoomNum
	all     bool
	payload any
}

type fakeBus struct {
	calls []broadcastCall
}

func (f *fakeBus) BroadcastAll(event string, payload any) {
	f.calls = append(f.calls, broadcastCall{event: event, all: true, payload: payload})
}
func (f *fakeBus) BroadcastToRoom(room core.RoomNum, event string, payload any) {
	f.calls = append(f.calls, broadcastCall{event: event, room: room, payload: payload})
}

type fakeEvents struct {
	events []core.RoundLifecycleEvent
}

func (f *fakeEvents) PublishRoundLifecycle(evt core.RoundLifecycleEvent) {
	f.events = append(f.events, evt)
}

type fakeClockCalibrator struct {
	calibrated []time.Time
}

func (f *fakeClockCalibrator) Calibrate(now time.Time) { f.calibrated = append(f.calibrated, now) }

func newTestScheduler() (*Scheduler, *fakeRooms, *fakePlayers, *fakeBus) {
	rooms := &fakeRooms{
		rooms:   []core.RoomNum{0, 1},
		members: map[core.RoomNum][]string{0: {"sess-1"}},
	}
	players := &fakePlayers{byID: map[string]core.Player{
		"sess-1": {SessionID: "sess-1", Tag: "Alice", Points: 3},
	}}
	bus := &fakeBus{}
	cfg := SchedulerConfig{Cycle: 180 * time.Second, Lobby: 30 * time.Second, MaxSkipFwd: 9 * time.Second}
	s := NewScheduler(cfg, rooms, players, bus, &fakeClockCalibrator{}, &fakeEvents{}, nil, nil)
	return s, rooms, players, bus
}

func TestOnFirstTickEntersPlayWhenAboveLobby(t *testing.T) {
	s, _, players, bus := newTestScheduler()

	s.OnFirstTick(Tick{At: time.Now(), First: true, InitialSecsRemaining: 150})

	if s.Phase() != core.Play {
		t.Fatalf("expected Play phase, got %v", s.Phase())
	}
	if !s.RoundInProgress() {
		t.Fatalf("expected round in progress")
	}
	if players.resetCalled != 1 {
		t.Fatalf("expected ResetForNewRound called once, got %d", players.resetCalled)
	}
	if len(bus.calls) == 0 || bus.calls[0].event != "round_started" {
		t.Fatalf("expected round_started broadcast, got %+v", bus.calls)
	}
	// secsRemaining decremented once after entering phase.
	if got := s.SecsRemaining(); got != 149 {
		t.Fatalf("expected secsRemaining 149, got %d", got)
	}
}

func TestOnFirstTickEntersLobbyWhenAtOrBelowLobby(t *testing.T) {
	s, _, _, bus := newTestScheduler()

	s.OnFirstTick(Tick{At: time.Now(), First: true, InitialSecsRemaining: 30})

	if s.Phase() != core.Lobby {
		t.Fatalf("expected Lobby phase, got %v", s.Phase())
	}
	if s.RoundInProgress() {
		t.Fatalf("expected round not in progress during Lobby")
	}
	found := false
	for _, c := range bus.calls {
		if c.event == "round_ended" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected round_ended broadcast, got %+v", bus.calls)
	}
}

func TestOnTickPlayToLobbyTransition(t *testing.T) {
	s, _, _, bus := newTestScheduler()
	s.OnFirstTick(Tick{At: time.Now(), First: true, InitialSecsRemaining: 32})
	if s.Phase() != core.Play {
		t.Fatalf("setup: expected Play phase, got %v", s.Phase())
	}
	// secsRemaining is now 31 (> lobby), next OnTick should decrement to 30
	// and trip enterLobby.
	if got := s.SecsRemaining(); got != 31 {
		t.Fatalf("setup: expected secsRemaining 31, got %d", got)
	}

	bus.calls = nil
	s.OnTick(Tick{At: time.Now()})

	if s.Phase() != core.Lobby {
		t.Fatalf("expected transition to Lobby, got %v", s.Phase())
	}
	foundResults := false
	for _, c := range bus.calls {
		if c.event == "room_round_results" {
			foundResults = true
		}
	}
	if !foundResults {
		t.Fatalf("expected room_round_results for occupied room, got %+v", bus.calls)
	}
}

func TestOnTickLobbyToPlayWraparound(t *testing.T) {
	s, _, players, bus := newTestScheduler()
	s.OnFirstTick(Tick{At: time.Now(), First: true, InitialSecsRemaining: 2})

	if s.Phase() != core.Lobby {
		t.Fatalf("setup: expected Lobby phase, got %v", s.Phase())
	}
	if got := s.SecsRemaining(); got != 1 {
		t.Fatalf("setup: expected secsRemaining 1, got %d", got)
	}

	resetBefore := players.resetCalled
	bus.calls = nil
	s.OnTick(Tick{At: time.Now()})

	if s.Phase() != core.Play {
		t.Fatalf("expected wraparound into Play, got %v", s.Phase())
	}
	if players.resetCalled != resetBefore+1 {
		t.Fatalf("expected a fresh ResetForNewRound on wraparound")
	}
	if got := s.SecsRemaining(); got != int(s.cfg.Cycle.Seconds()) {
		t.Fatalf("expected secsRemaining reset to the full cycle, got %d", got)
	}
}

// TestCoarseAdjustCapsForwardSkipAtMaxSkipFwd covers the "Clock catch-up"
// scenario: a wall clock that jumps far ahead of the in-memory countdown
// (host suspend/resume, GC pause, etc.) must not snap secsRemaining straight
// to the wall-clock-implied value in one step. Each coarse adjustment may
// only skip forward by cfg.MaxSkipFwd; the rest of the gap carries over to
// the next adjustment.
func TestCoarseAdjustCapsForwardSkipAtMaxSkipFwd(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	s.secsRemaining = 29 // one tick before Lobby, matching OnTick's secs == lobby-1 case

	// 1s before the next 180s cycle boundary: the wall clock says almost no
	// time is left, far more than the 9s cap below secsRemaining's 29.
	jumpedNow := time.UnixMilli(179000)
	s.coarseAdjust(jumpedNow)

	if got := s.SecsRemaining(); got != 20 {
		t.Fatalf("expected the skip capped at secsRemaining-MaxSkipFwd (29-9=20), got %d", got)
	}

	// The remaining drift is not discarded: a second adjustment, still
	// before the same boundary, keeps narrowing the gap by at most the cap
	// rather than jumping straight to the wall clock's implied value.
	s.coarseAdjust(time.UnixMilli(179500))
	if got := s.SecsRemaining(); got != 11 {
		t.Fatalf("expected a further capped narrowing (20-9=11), got %d", got)
	}
}

// TestOnTickCoarseAdjustsBeforeEnteringLobby drives the cap through the
// public OnTick entrypoint rather than calling coarseAdjust directly, to
// prove the secs == lobby-1 branch actually wires it in.
func TestOnTickCoarseAdjustsBeforeEnteringLobby(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	s.OnFirstTick(Tick{At: time.Now(), First: true, InitialSecsRemaining: 30})
	if got := s.SecsRemaining(); got != 29 {
		t.Fatalf("setup: expected secsRemaining 29, got %d", got)
	}

	s.OnTick(Tick{At: time.UnixMilli(179000)})

	// coarseAdjust caps 29 down to 20, then OnTick's own decrement brings it
	// to 19; without the cap it would have snapped down near the wall
	// clock's implied value of 0 instead.
	if got := s.SecsRemaining(); got != 19 {
		t.Fatalf("expected capped coarse adjustment followed by the ordinary decrement (20-1=19), got %d", got)
	}
}

func TestLastResultsReflectsLeaderboardOrder(t *testing.T) {
	s, rooms, players, _ := newTestScheduler()
	rooms.members[0] = []string{"sess-1", "sess-2"}
	players.byID["sess-2"] = core.Player{SessionID: "sess-2", Tag: "Bob", Points: 9}

	s.OnFirstTick(Tick{At: time.Now(), First: true, InitialSecsRemaining: 30})

	results := s.LastResults(0)
	if len(results) != 2 {
		t.Fatalf("expected 2 leaderboard entries, got %d", len(results))
	}
	if results[0].Tag != "Bob" {
		t.Fatalf("expected Bob to lead with more points, got %q", results[0].Tag)
	}
}
