// Package rooms tracks per-room membership and occupancy. It is the
// authoritative answer to "who is currently joined to room r", mirrored at
// the transport layer by internal/transport.Hub so that physical socket
// fan-out and domain bookkeeping never drift apart.
package rooms

import (
	"sort"
	"strconv"
	"sync"

	"nrgchamp/quizcadence/internal/core"
)

// RoomID is the wire-level room address: a decimal string ("0".."3"),
// never a bare integer. spec.md §4.4/§9 requires this distinction because
// the transport treats an integer 0 as "broadcast to all connections";
// RoomID exists so that hazard cannot compile. Only ToWireID and ParseWireID
// cross the boundary between core.RoomNum and RoomID.
type RoomID string

// ToWireID renders an internal room number as its wire string form.
func ToWireID(room core.RoomNum) RoomID {
	return RoomID(strconv.Itoa(int(room)))
}

// ParseWireID parses a wire room string back into a RoomNum. Used only when
// accepting a room id that arrived already broadcast-addressed (diagnostics);
// inbound client room selections go through registry.DetermineRoom instead.
func ParseWireID(id RoomID) (core.RoomNum, bool) {
	n, err := strconv.Atoi(string(id))
	if err != nil {
		return 0, false
	}
	return core.RoomNum(n), true
}

// Manager owns the static set of rooms created at startup and the session
// membership of each one. Safe for concurrent use; the serial command loop
// (through the Router) is the only writer, but HTTP health/diagnostic reads
// may occur from other goroutines.
type Manager struct {
	mu       sync.RWMutex
	minRoom  core.RoomNum
	numRooms int
	members  map[core.RoomNum]map[string]struct{}
}

// New creates the static NUM_ROOMS rooms in [minRoom, minRoom+numRooms).
func New(minRoom core.RoomNum, numRooms int) *Manager {
	m := &Manager{
		minRoom:  minRoom,
		numRooms: numRooms,
		members:  make(map[core.RoomNum]map[string]struct{}, numRooms),
	}
	for i := 0; i < numRooms; i++ {
		m.members[minRoom+core.RoomNum(i)] = make(map[string]struct{})
	}
	return m
}

// InRange reports whether room is one of the static rooms created at startup.
func (m *Manager) InRange(room core.RoomNum) bool {
	return room >= m.minRoom && room < m.minRoom+core.RoomNum(m.numRooms)
}

// MinRoom and NumRooms expose the configured bounds for validation elsewhere
// (Registry.DetermineRoom needs them to report out_of_range precisely).
func (m *Manager) MinRoom() core.RoomNum { return m.minRoom }
func (m *Manager) NumRooms() int         { return m.numRooms }

// Join adds session to room's membership set. Idempotent.
func (m *Manager) Join(session string, room core.RoomNum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[room]
	if !ok {
		set = make(map[string]struct{})
		m.members[room] = set
	}
	set[session] = struct{}{}
}

// Leave removes session from room's membership set and returns the
// resulting occupancy. Idempotent on a session that was never a member.
func (m *Manager) Leave(session string, room core.RoomNum) (occupancyAfter int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[room]
	if !ok {
		return 0
	}
	delete(set, session)
	return len(set)
}

// Occupancy reports the number of sessions currently joined to room.
func (m *Manager) Occupancy(room core.RoomNum) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members[room])
}

// Members returns a defensive snapshot of the session ids joined to room.
func (m *Manager) Members(room core.RoomNum) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[room]
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AllRooms returns every static room id in ascending order.
func (m *Manager) AllRooms() []core.RoomNum {
	out := make([]core.RoomNum, 0, m.numRooms)
	for i := 0; i < m.numRooms; i++ {
		out = append(out, m.minRoom+core.RoomNum(i))
	}
	return out
}
