package transport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"nrgchamp/quizcadence/internal/rooms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionIDFromRequestMintsWhenCookieAbsent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	id := sessionIDFromRequest(r)
	if id == "" {
		t.Fatalf("expected a minted session id")
	}

	id2 := sessionIDFromRequest(r)
	if id2 == id {
		t.Fatalf("expected a fresh request with no cookie to mint a new id each call")
	}
}

func TestSessionIDFromRequestReusesCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "existing-session"})

	if got := sessionIDFromRequest(r); got != "existing-session" {
		t.Fatalf("expected existing session id to be reused, got %q", got)
	}
}

// registerFakeConn attaches a conn with no real websocket to the Hub's
// bookkeeping maps directly, bypassing ServeHTTP, so Join/Leave/deliver
// fan-out logic can be exercised without a live socket.
func registerFakeConn(h *Hub, sessionID string) *conn {
	c := &conn{sessionID: sessionID, send: make(chan wireEnvelope, 8)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*conn]struct{})
	}
	h.sessions[sessionID][c] = struct{}{}
	h.mu.Unlock()
	return c
}

func TestJoinAndBroadcastToRoomDeliversOnlyToMembers(t *testing.T) {
	h := New(testLogger(), nil)
	a := registerFakeConn(h, "sess-a")
	_ = registerFakeConn(h, "sess-b")

	h.Join("sess-a", rooms.RoomID("1"))
	h.BroadcastToRoom(rooms.RoomID("1"), "play_timer_update", 42)

	select {
	case env := <-a.send:
		if env.Event != "play_timer_update" {
			t.Fatalf("expected play_timer_update, got %q", env.Event)
		}
		var payload int
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload != 42 {
			t.Fatalf("expected payload 42, got %v (err %v)", payload, err)
		}
	default:
		t.Fatalf("expected sess-a to receive the room broadcast")
	}
}

func TestLeaveRemovesRoomMembership(t *testing.T) {
	h := New(testLogger(), nil)
	a := registerFakeConn(h, "sess-a")

	h.Join("sess-a", rooms.RoomID("2"))
	h.Leave("sess-a", rooms.RoomID("2"))
	h.BroadcastToRoom(rooms.RoomID("2"), "lobby_timer_update", 5)

	select {
	case env := <-a.send:
		t.Fatalf("expected no delivery after Leave, got %+v", env)
	default:
	}
}

func TestBroadcastToRoomExcludingSenderSkipsExcludedSession(t *testing.T) {
	h := New(testLogger(), nil)
	a := registerFakeConn(h, "sess-a")
	b := registerFakeConn(h, "sess-b")

	h.Join("sess-a", rooms.RoomID("0"))
	h.Join("sess-b", rooms.RoomID("0"))

	h.BroadcastToRoomExcludingSender("sess-a", rooms.RoomID("0"), "gamer_entered_room", nil)

	select {
	case <-a.send:
		t.Fatalf("excluded sender must not receive the broadcast")
	default:
	}
	select {
	case env := <-b.send:
		if env.Event != "gamer_entered_room" {
			t.Fatalf("expected gamer_entered_room, got %q", env.Event)
		}
	default:
		t.Fatalf("expected sess-b to receive the broadcast")
	}
}

func TestEmitToDeliversToAllConnectionsOfASession(t *testing.T) {
	h := New(testLogger(), nil)
	tab1 := registerFakeConn(h, "sess-a")
	tab2 := registerFakeConn(h, "sess-a")

	h.EmitTo("sess-a", "client_confirmed", nil)

	for _, c := range []*conn{tab1, tab2} {
		select {
		case <-c.send:
		default:
			t.Fatalf("expected every connection bound to the session to receive the emission")
		}
	}
}

func TestRemoveConnClearsRoomAndSessionMembership(t *testing.T) {
	h := New(testLogger(), nil)
	a := registerFakeConn(h, "sess-a")
	h.Join("sess-a", rooms.RoomID("0"))

	h.removeConn(a)

	if _, ok := h.sessions["sess-a"]; ok {
		t.Fatalf("expected session membership cleared")
	}
	if _, ok := h.byRoom[rooms.RoomID("0")]; ok {
		t.Fatalf("expected room membership cleared")
	}
}
