// Package router implements the Message Router (spec.md §4.6): the single
// point where inbound client events are validated and turned into
// Registry/Room Manager mutations and Broadcast Bus fan-out. All inputs are
// validated before any state change; errors are recovered locally and
// emitted only to the originating session, per spec.md §7.
package router

import (
	"encoding/json"
	"log/slog"

	"nrgchamp/quizcadence/internal/core"
	"nrgchamp/quizcadence/internal/registry"
	"nrgchamp/quizcadence/internal/rooms"
)

// Bus is the subset of broadcast.Bus the Router drives.
type Bus interface {
	EmitTo(sessionID, event string, payload any)
	BroadcastToRoom(room core.RoomNum, event string, payload any)
	BroadcastToRoomExcludingSender(excludeSessionID string, room core.RoomNum, event string, payload any)
	JoinRoom(sessionID string, room core.RoomNum)
	LeaveRoom(sessionID string, room core.RoomNum)
}

// RoundState is the subset of cadence.Scheduler the Router needs to build
// the round-sync bundle (spec.md §4.6 step 8).
type RoundState interface {
	Phase() core.Phase
	PlaySeconds() int
	LobbySeconds() int
	LastResults(room core.RoomNum) []core.LeaderboardEntry
	RoundInProgress() bool
}

// clientReadyPayload is the client_ready / change_room inbound shape.
type clientReadyPayload struct {
	Profile *registry.Profile `json:"profile"`
}

type playerScoredPayload struct {
	Points *int `json:"points"`
}

// clientConfirmed is the client_confirmed outbound shape.
type clientConfirmed struct {
	Tag             string `json:"tag"`
	Points          int    `json:"points"`
	Room            string `json:"room"`
	IncompleteRound bool   `json:"incomplete_round"`
	RefCount        int    `json:"ref_count"`
}

type gamerEvent struct {
	Tag    string `json:"tag"`
	Points int    `json:"points"`
}

type gamerExited struct {
	Tag string `json:"tag"`
}

type gamersAlreadyInRoom struct {
	Leaders []core.LeaderboardEntry `json:"leaders"`
}

type errorPayload struct {
	ErrorStr  string `json:"error_str"`
	UserInput any    `json:"user_input,omitempty"`
}

type finalRoundScore struct {
	Points        int  `json:"points"`
	RoundComplete bool `json:"round_complete"`
}

// Router dispatches inbound events onto the Registry, Room Manager, and
// Broadcast Bus. It carries no goroutines of its own: every exported
// Handle* method is meant to be invoked from the single serial command loop.
type Router struct {
	registry *registry.Registry
	rooms    *rooms.Manager
	bus      Bus
	round    RoundState
	logger   *slog.Logger
}

// New constructs a Router.
func New(reg *registry.Registry, roomMgr *rooms.Manager, bus Bus, round RoundState, logger *slog.Logger) *Router {
	return &Router{registry: reg, rooms: roomMgr, bus: bus, round: round, logger: logger}
}

func (r *Router) roomBounds() registry.RoomBounds {
	return registry.RoomBounds{Min: r.rooms.MinRoom(), Count: r.rooms.NumRooms()}
}

// HandleClientReady implements spec.md §4.6's client_ready handler.
func (r *Router) HandleClientReady(sessionID string, rawPayload json.RawMessage) {
	var payload clientReadyPayload
	requestPresent := len(rawPayload) > 0
	if requestPresent {
		if err := json.Unmarshal(rawPayload, &payload); err != nil {
			r.emitClientReadyError(sessionID, registry.ErrMissingProfile, rawPayload)
			return
		}
	}

	room, err := registry.DetermineRoom(requestPresent, payload.Profile, r.roomBounds())
	if err != nil {
		r.emitClientReadyError(sessionID, err, rawPayload)
		return
	}

	if existing, already := r.registry.Get(sessionID); already {
		r.registry.Attach(sessionID, existing.Tag, existing.Room, r.round.RoundInProgress())
		return
	}

	tag := registry.ResolveTag(payload.Profile, r.registry.NextGuestTag)
	player, _ := r.registry.Attach(sessionID, tag, room, r.round.RoundInProgress())

	r.bus.EmitTo(sessionID, "client_confirmed", clientConfirmed{
		Tag:             player.Tag,
		Points:          player.Points,
		Room:            string(rooms.ToWireID(player.Room)),
		IncompleteRound: player.IncompleteRound,
		RefCount:        player.RefCount,
	})

	r.joinRoomAndAnnounce(sessionID, player, room)
	r.emitRoundSync(sessionID, room)
}

func (r *Router) emitClientReadyError(sessionID string, err error, userInput json.RawMessage) {
	payload := errorPayload{ErrorStr: registry.ErrorString(err)}
	if len(userInput) > 0 {
		payload.UserInput = json.RawMessage(userInput)
	}
	r.bus.EmitTo(sessionID, "error_client_ready", payload)
}

// joinRoomAndAnnounce performs Room Manager join, Hub join, and the
// gamer_entered_room / gamers_already_in_room pair from spec.md §4.6 steps
// 6-7. Shared by client_ready and change_room's "attach to new room" step.
func (r *Router) joinRoomAndAnnounce(sessionID string, player core.Player, room core.RoomNum) {
	r.rooms.Join(sessionID, room)
	r.bus.JoinRoom(sessionID, room)

	r.bus.BroadcastToRoomExcludingSender(sessionID, room, "gamer_entered_room", gamerEvent{
		Tag: player.Tag, Points: player.Points,
	})

	members := r.rooms.Members(room)
	players := r.registry.Many(members)
	leaders := registry.LeadersDescending(players)
	r.bus.EmitTo(sessionID, "gamers_already_in_room", gamersAlreadyInRoom{Leaders: leaders})
}

// emitRoundSync implements spec.md §4.6 step 8: the round-sync bundle sent
// to a session that just joined room.
func (r *Router) emitRoundSync(sessionID string, room core.RoomNum) {
	if r.round.Phase() == core.Play {
		r.bus.EmitTo(sessionID, "round_started", r.round.PlaySeconds())
		return
	}
	r.bus.EmitTo(sessionID, "round_ended", r.round.LobbySeconds())
	if results := r.round.LastResults(room); len(results) > 0 {
		r.bus.EmitTo(sessionID, "room_round_results", results)
	}
}

// HandleChangeRoom implements spec.md §4.6's change_room handler. The
// player record is always re-read from the Registry by session id — no
// free-floating player variable is ever held across this function, closing
// the source's concurrency hazard described in spec.md §9.
func (r *Router) HandleChangeRoom(sessionID string, rawPayload json.RawMessage) {
	player, ok := r.registry.Get(sessionID)
	if !ok {
		r.emitClientReadyError(sessionID, registry.ErrMissingProfile, rawPayload)
		return
	}

	var payload clientReadyPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		r.emitClientReadyError(sessionID, registry.ErrMissingRoom, rawPayload)
		return
	}

	newRoom, err := registry.DetermineRoom(true, payload.Profile, r.roomBounds())
	if err != nil {
		r.emitClientReadyError(sessionID, err, rawPayload)
		return
	}

	oldRoom := player.Room
	if newRoom == oldRoom {
		return
	}

	occupancyAfter := r.rooms.Leave(sessionID, oldRoom)
	r.bus.LeaveRoom(sessionID, oldRoom)
	if occupancyAfter > 0 {
		r.bus.BroadcastToRoom(oldRoom, "gamer_exited_room", gamerExited{Tag: player.Tag})
	}

	r.registry.SetRoom(sessionID, newRoom)
	player.Room = newRoom

	r.joinRoomAndAnnounce(sessionID, player, newRoom)
	// spec.md §4.6/§9 and SPEC_FULL.md §11 item 1: the round-sync bundle
	// uses the OLD room's last_results, matching the documented (if
	// surprising) source behavior exactly.
	r.emitRoundSync(sessionID, oldRoom)
}

// HandleDisconnect implements spec.md §4.6's disconnect handler.
func (r *Router) HandleDisconnect(sessionID string) {
	player, ok := r.registry.Get(sessionID)
	if !ok {
		return
	}
	removed := r.registry.Detach(sessionID)
	if !removed {
		return
	}

	occupancyAfter := r.rooms.Leave(sessionID, player.Room)
	r.bus.LeaveRoom(sessionID, player.Room)
	if occupancyAfter > 0 {
		r.bus.BroadcastToRoom(player.Room, "gamer_exited_room", gamerExited{Tag: player.Tag})
	}
}

// HandlePlayerScored implements spec.md §4.6's player_scored handler.
func (r *Router) HandlePlayerScored(sessionID string, rawPayload json.RawMessage) {
	player, ok := r.registry.Get(sessionID)
	if !ok {
		r.bus.EmitTo(sessionID, "error_unrecognized_player", errorPayload{ErrorStr: "No player attached to this session"})
		return
	}

	var payload playerScoredPayload
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &payload); err != nil {
			r.bus.EmitTo(sessionID, "error_player_scored", errorPayload{ErrorStr: "Malformed player_scored payload"})
			return
		}
	}
	if payload.Points == nil {
		r.bus.EmitTo(sessionID, "error_player_scored", errorPayload{ErrorStr: "Missing points"})
		return
	}

	phase := r.round.Phase()
	if phase == core.Play {
		r.registry.UpdateScore(sessionID, *payload.Points, phase)
		return
	}

	// Lobby: silently ignored per spec.md §4.6/§7, logged only. The
	// null-coalescing zeroing this spec step also describes is already
	// satisfied by Attach seeding points=0 — see SPEC_FULL.md §11 item 3.
	r.logger.Info("player_scored_ignored_in_lobby", slog.String("session_id", sessionID), slog.String("tag", player.Tag))
}

// HandleRequestFinalScore implements spec.md §4.6's request_final_score
// handler.
func (r *Router) HandleRequestFinalScore(sessionID string) {
	player, ok := r.registry.Get(sessionID)
	if !ok {
		r.bus.EmitTo(sessionID, "error_unrecognized_player", errorPayload{ErrorStr: "No player attached to this session"})
		return
	}

	if r.round.Phase() == core.Play {
		r.registry.SetIncompleteRound(sessionID, true)
		player.IncompleteRound = true
	}

	r.bus.EmitTo(sessionID, "final_round_score", finalRoundScore{
		Points:        player.Points,
		RoundComplete: !player.IncompleteRound,
	})
}
