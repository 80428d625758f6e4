package broadcast

import (
	"testing"

	"nrgchamp/quizcadence/internal/rooms"
)

type recordedCall struct {
	method  string
	session string
	room    rooms.RoomID
	event   string
	payload any
}

type fakeHub struct {
	calls []recordedCall
}

func (f *fakeHub) EmitTo(sessionID, event string, payload any) {
	f.calls = append(f.calls, recordedCall{method: "EmitTo", session: sessionID, event: event, payload: payload})
}
func (f *fakeHub) BroadcastToRoom(room rooms.RoomID, event string, payload any) {
	f.calls = append(f.calls, recordedCall{method: "BroadcastToRoom", room: room, event: event, payload: payload})
}
func (f *fakeHub) BroadcastToRoomExcludingSender(excludeSessionID string, room rooms.RoomID, event string, payload any) {
	f.calls = append(f.calls, recordedCall{method: "BroadcastToRoomExcludingSender", session: excludeSessionID, room: room, event: event, payload: payload})
}
func (f *fakeHub) BroadcastAll(event string, payload any) {
	f.calls = append(f.calls, recordedCall{method: "BroadcastAll", event: event, payload: payload})
}
func (f *fakeHub) Join(sessionID string, room rooms.RoomID) {
	f.calls = append(f.calls, recordedCall{method: "Join", session: sessionID, room: room})
}
func (f *fakeHub) Leave(sessionID string, room rooms.RoomID) {
	f.calls = append(f.calls, recordedCall{method: "Leave", session: sessionID, room: room})
}

func TestBusConvertsRoomNumToWireIDAtEveryCall(t *testing.T) {
	hub := &fakeHub{}
	bus := New(hub)

	bus.BroadcastToRoom(0, "play_timer_update", 10)
	bus.BroadcastToRoomExcludingSender("sess-1", 2, "gamer_entered_room", nil)
	bus.JoinRoom("sess-1", 0)
	bus.LeaveRoom("sess-1", 3)
	bus.BroadcastAll("round_started", 150)
	bus.EmitTo("sess-1", "client_confirmed", nil)

	want := map[int]rooms.RoomID{0: "0", 1: "2", 2: "0", 3: "3"}
	for i, expect := range want {
		if hub.calls[i].room != expect {
			t.Fatalf("call %d: expected room id %q, got %q", i, expect, hub.calls[i].room)
		}
	}

	if hub.calls[0].method != "BroadcastToRoom" || hub.calls[0].room != "0" {
		t.Fatalf("expected room 0 to render as wire id \"0\", not be treated as a zero value, got %+v", hub.calls[0])
	}
}
