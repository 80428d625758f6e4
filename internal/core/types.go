// Package core holds the domain types shared by the cadence engine, the
// registry, the room manager, and the broadcast/router layers. It carries no
// behavior of its own; it exists so those packages can describe the same
// shapes without importing each other.
package core

import "time"

// RoomNum identifies a difficulty level / room by its internal integer id.
// Conversion to the wire string form happens only at the broadcast boundary
// (see internal/rooms.RoomID) so an integer zero can never be mistaken for a
// transport broadcast-to-all address.
type RoomNum int

// Phase is the global round phase.
type Phase int

const (
	// Play is the active quiz window: scores may change, play_timer_update fires.
	Play Phase = iota
	// Lobby is the inter-round window: scores are frozen, lobby_timer_update fires.
	Lobby
)

func (p Phase) String() string {
	if p == Play {
		return "play"
	}
	return "lobby"
}

// LeaderboardEntry is a ranked (tag, points) pair as placed on the wire in
// gamer_entered_room, gamers_already_in_room, play_timer_update,
// room_round_results and similar payloads.
type LeaderboardEntry struct {
	Tag    string `json:"tag"`
	Points int    `json:"points"`
}

// Player is the single authoritative record for a connected quiz
// participant, indexed by session id in the Registry. There is never a
// second authoritative copy of this record anywhere else in the process.
type Player struct {
	SessionID       string
	Tag             string
	Room            RoomNum
	Points          int
	IncompleteRound bool
	RefCount        int
}

// Snapshot returns the wire-facing (tag, points) pair for this player.
func (p Player) Snapshot() LeaderboardEntry {
	return LeaderboardEntry{Tag: p.Tag, Points: p.Points}
}

// RoundLifecycleEvent is the additive analytics envelope published to Kafka
// at every enter-Play / enter-Lobby transition. It is fire-and-forget
// telemetry: nothing in the server ever reads it back (see SPEC_FULL.md §8-9).
type RoundLifecycleEvent struct {
	Phase       string                        `json:"phase"`
	At          time.Time                     `json:"at"`
	RoomResults map[RoomNum][]LeaderboardEntry `json:"roomResults,omitempty"`
}
