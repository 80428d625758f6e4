// Package broadcast implements the Broadcast Bus (spec.md §4.5): the only
// component allowed to fan work out in parallel, and the sole place where
// an internal core.RoomNum is converted to the wire-safe rooms.RoomID
// before reaching the transport.
package broadcast

import (
	"nrgchamp/quizcadence/internal/core"
	"nrgchamp/quizcadence/internal/rooms"
)

// Hub is the subset of transport.Hub the Bus drives.
type Hub interface {
	EmitTo(sessionID, event string, payload any)
	BroadcastToRoom(room rooms.RoomID, event string, payload any)
	BroadcastToRoomExcludingSender(excludeSessionID string, room rooms.RoomID, event string, payload any)
	BroadcastAll(event string, payload any)
	Join(sessionID string, room rooms.RoomID)
	Leave(sessionID string, room rooms.RoomID)
}

// Bus exposes spec.md §4.5's four primitives in terms of core.RoomNum, so
// every caller above this package deals exclusively in internal room
// numbers; the RoomID conversion happens here and nowhere else.
type Bus struct {
	hub Hub
}

// New wraps hub.
func New(hub Hub) *Bus {
	return &Bus{hub: hub}
}

// EmitTo unicasts to a single session.
func (b *Bus) EmitTo(sessionID, event string, payload any) {
	b.hub.EmitTo(sessionID, event, payload)
}

// BroadcastToRoom fans out to every session currently in room.
func (b *Bus) BroadcastToRoom(room core.RoomNum, event string, payload any) {
	b.hub.BroadcastToRoom(rooms.ToWireID(room), event, payload)
}

// BroadcastToRoomExcludingSender fans out to every session in room except
// the originating session.
func (b *Bus) BroadcastToRoomExcludingSender(excludeSessionID string, room core.RoomNum, event string, payload any) {
	b.hub.BroadcastToRoomExcludingSender(excludeSessionID, rooms.ToWireID(room), event, payload)
}

// BroadcastAll fans out to every connected session.
func (b *Bus) BroadcastAll(event string, payload any) {
	b.hub.BroadcastAll(event, payload)
}

// JoinRoom mirrors a session's room membership into the transport's
// fan-out sets. Must be called under the serial command loop, before any
// broadcast that assumes the new membership is visible.
func (b *Bus) JoinRoom(sessionID string, room core.RoomNum) {
	b.hub.Join(sessionID, rooms.ToWireID(room))
}

// LeaveRoom mirrors a session's departure from a room into the transport's
// fan-out sets.
func (b *Bus) LeaveRoom(sessionID string, room core.RoomNum) {
	b.hub.Leave(sessionID, rooms.ToWireID(room))
}
