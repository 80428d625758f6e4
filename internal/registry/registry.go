// Package registry is the Player Registry: the single authoritative map from
// session id to player record, with multi-tab refcounting. Grounded on the
// teacher's ZoneStore (segmentio/kafka-go ingest buffer,
// services/gamification/internal/ingest/ledger_consumer.go) for the
// mutex-guarded map-plus-order shape, adapted from "epochs per zone" to
// "one record per session".
package registry

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"nrgchamp/quizcadence/internal/core"
)

// Errors returned by DetermineRoom, in the precedence order spec.md §4.3
// requires: missing_request, missing_profile, missing_room, not_integer,
// out_of_range.
var (
	ErrMissingRequest = errors.New("missing_request")
	ErrMissingProfile = errors.New("missing_profile")
	ErrMissingRoom    = errors.New("missing_room")
	ErrNotInteger     = errors.New("not_integer")
	ErrOutOfRange     = errors.New("out_of_range")
)

// ErrorString renders the human-readable error_str the Router emits on the
// wire for a given DetermineRoom failure.
func ErrorString(err error) string {
	switch {
	case errors.Is(err, ErrMissingRequest):
		return "Missing client_ready request"
	case errors.Is(err, ErrMissingProfile):
		return "Missing player profile"
	case errors.Is(err, ErrMissingRoom):
		return "Missing difficulty level"
	case errors.Is(err, ErrNotInteger):
		return "Difficulty level must be an integer"
	case errors.Is(err, ErrOutOfRange):
		return "Difficulty level is out of range"
	default:
		return "Invalid request"
	}
}

// Profile is the inbound client_ready / change_room payload shape.
type Profile struct {
	Tag  *string `json:"tag"`
	Room *string `json:"room"`
}

// RoomBounds carries the static room range used to validate a requested room.
type RoomBounds struct {
	Min   core.RoomNum
	Count int
}

// DetermineRoom validates profile against bounds and returns the parsed room
// id, or one of the sentinel errors above. profile may be nil (missing
// client_ready.profile entirely); request itself may also be absent, which
// callers signal by passing a nil profile pointer along with requestPresent
// set to false.
func DetermineRoom(requestPresent bool, profile *Profile, bounds RoomBounds) (core.RoomNum, error) {
	if !requestPresent {
		return 0, ErrMissingRequest
	}
	if profile == nil {
		return 0, ErrMissingProfile
	}
	if profile.Room == nil || strings.TrimSpace(*profile.Room) == "" {
		return 0, ErrMissingRoom
	}
	n, err := strconv.Atoi(strings.TrimSpace(*profile.Room))
	if err != nil {
		return 0, ErrNotInteger
	}
	room := core.RoomNum(n)
	if room < bounds.Min || room >= bounds.Min+core.RoomNum(bounds.Count) {
		return 0, ErrOutOfRange
	}
	return room, nil
}

// ResolveTag returns the tag to use for a new player: the profile's tag if
// non-empty after trimming whitespace, otherwise a synthesized "Guest N".
// Whitespace-only tags ("   ") are treated as empty per spec.md §8.
func ResolveTag(profile *Profile, synthesize func() string) string {
	if profile != nil && profile.Tag != nil {
		if trimmed := strings.TrimSpace(*profile.Tag); trimmed != "" {
			return trimmed
		}
	}
	return synthesize()
}

// Registry is the single authoritative store of connected players, indexed
// by session id.
type Registry struct {
	mu            sync.RWMutex
	players       map[string]*core.Player
	nextGuestID   int
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{players: make(map[string]*core.Player)}
}

// NextGuestTag increments the guest counter and returns the synthesized tag.
// Exposed so Router can pass it as ResolveTag's synthesize callback.
func (r *Registry) NextGuestTag() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGuestID++
	return "Guest " + strconv.Itoa(r.nextGuestID)
}

// Attach registers a new live endpoint for sessionID. If the session already
// exists its ref_count is incremented and (existing, true) is returned. If
// not, a new player record is created with ref_count=1 and the supplied tag
// and room, incomplete_round set to roundInProgress, and (new, false) is
// returned.
func (r *Registry) Attach(sessionID, tag string, room core.RoomNum, roundInProgress bool) (core.Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.players[sessionID]; ok {
		existing.RefCount++
		return *existing, true
	}
	p := &core.Player{
		SessionID:       sessionID,
		Tag:             tag,
		Room:            room,
		Points:          0,
		IncompleteRound: roundInProgress,
		RefCount:        1,
	}
	r.players[sessionID] = p
	return *p, false
}

// Detach decrements sessionID's ref_count. removed is true iff this call took
// ref_count to zero and deleted the record. Idempotent on an absent key.
func (r *Registry) Detach(sessionID string) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[sessionID]
	if !ok {
		return false
	}
	p.RefCount--
	if p.RefCount <= 0 {
		delete(r.players, sessionID)
		return true
	}
	return false
}

// Get returns a copy of the player record for sessionID.
func (r *Registry) Get(sessionID string) (core.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[sessionID]
	if !ok {
		return core.Player{}, false
	}
	return *p, true
}

// UpdateScore mutates points only when phase == Play; a no-op otherwise
// (spec.md §4.6 player_scored). When phase is Lobby it returns false and
// leaves points untouched; Points is a plain int seeded to 0 by Attach, so
// there is no unset value to zero — see SPEC_FULL.md §11 item 3.
func (r *Registry) UpdateScore(sessionID string, points int, phase core.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[sessionID]
	if !ok {
		return false
	}
	if phase == core.Play {
		p.Points = points
		return true
	}
	return false
}

// SetRoom changes the room field for an attached player.
func (r *Registry) SetRoom(sessionID string, room core.RoomNum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[sessionID]; ok {
		p.Room = room
	}
}

// SetIncompleteRound marks sessionID's current round as incomplete.
func (r *Registry) SetIncompleteRound(sessionID string, incomplete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[sessionID]; ok {
		p.IncompleteRound = incomplete
	}
}

// ResetForNewRound zeroes points and clears incomplete_round for every
// registered player. Called once, at the instant Play begins (spec.md §3, §4.2
// Enter-Play).
func (r *Registry) ResetForNewRound() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players {
		p.Points = 0
		p.IncompleteRound = false
	}
}

// Many returns copies of the player records for the supplied session ids,
// skipping any that are no longer present (e.g. a race against disconnect).
func (r *Registry) Many(sessionIDs []string) []core.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Player, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if p, ok := r.players[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// LeadersDescending sorts players by points descending. Ties break
// deterministically (by session id) within a single call but relative order
// between two separate calls is not guaranteed, per spec.md §4.2's sort
// stability note.
func LeadersDescending(players []core.Player) []core.LeaderboardEntry {
	sorted := make([]core.Player, len(players))
	copy(sorted, players)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Points != sorted[j].Points {
			return sorted[i].Points > sorted[j].Points
		}
		return sorted[i].SessionID < sorted[j].SessionID
	})
	out := make([]core.LeaderboardEntry, len(sorted))
	for i, p := range sorted {
		out[i] = p.Snapshot()
	}
	return out
}
