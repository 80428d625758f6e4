// Package transport is the bidirectional, session-oriented message
// transport spec.md §6 treats as an external collaborator. It is built on
// github.com/gorilla/websocket: each accepted connection is upgraded,
// assigned (or resumes) a persistent session id via an http.Cookie, and
// pumped by a read loop and a write loop per connection — the same
// ticker/quit-channel goroutine shape as device/internal/simulator.go's
// Simulator.Start, generalized from one goroutine to the read/write pair a
// websocket connection needs.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nrgchamp/quizcadence/internal/rooms"
)

const sessionCookieName = "quizcadence_session"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// InboundMessage is one decoded client->server event, tagged with the
// session it arrived on.
type InboundMessage struct {
	SessionID string
	Event     string
	Payload   json.RawMessage
}

// wireEnvelope is the JSON shape every event, inbound or outbound, takes on
// the wire: a named event plus an arbitrary payload.
type wireEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// conn is one live websocket endpoint bound to a session. A session may
// have more than one conn (multi-tab), mirrored by registry.Registry's
// ref_count.
type conn struct {
	ws        *websocket.Conn
	sessionID string
	send      chan wireEnvelope
}

// Hub owns every live connection and the room membership mirror the
// Broadcast Bus fans out against. Hub never makes domain decisions — it
// only moves bytes and tracks which sessions/rooms hold which sockets.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[*conn]struct{}
	byRoom   map[rooms.RoomID]map[*conn]struct{}
	sessions map[string]map[*conn]struct{}

	inbound      chan InboundMessage
	disconnected chan string
}

// New constructs a Hub. checkOrigin, when nil, defaults to allow-all (this
// server has no browser-origin restriction requirement in scope).
func New(logger *slog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		conns:    make(map[*conn]struct{}),
		byRoom:   make(map[rooms.RoomID]map[*conn]struct{}),
		sessions:     make(map[string]map[*conn]struct{}),
		inbound:      make(chan InboundMessage, 256),
		disconnected: make(chan string, 256),
	}
}

// Inbound returns the channel the serial command loop selects on for
// client-originated events.
func (h *Hub) Inbound() <-chan InboundMessage { return h.inbound }

// Disconnected returns the channel the serial command loop selects on to
// learn that a connection's read pump exited (socket closed, error, or Hub
// shutdown) — the transport's "automatic inbound disconnect event"
// requirement from spec.md §6. Note a session's ref_count may still be > 0
// after one conn disconnects (multi-tab); the Router/Registry, not this
// channel, own that decision.
func (h *Hub) Disconnected() <-chan string { return h.disconnected }

// ServeHTTP upgrades the connection, resolves the session cookie (minting
// one via google/uuid if absent), and launches the read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, http.Header{
		"Set-Cookie": []string{(&http.Cookie{
			Name:     sessionCookieName,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		}).String()},
	})
	if err != nil {
		h.logger.Warn("ws_upgrade_failed", slog.String("err", err.Error()))
		return
	}

	c := &conn{ws: ws, sessionID: sessionID, send: make(chan wireEnvelope, 32)}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*conn]struct{})
	}
	h.sessions[sessionID][c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("ws_connected", slog.String("session_id", sessionID))

	go h.writePump(c)
	go h.readPump(c)
}

func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return uuid.NewString()
}

func (h *Hub) readPump(c *conn) {
	defer func() {
		h.removeConn(c)
		select {
		case h.disconnected <- c.sessionID:
		default:
			h.logger.Warn("disconnect_queue_full", slog.String("session_id", c.sessionID))
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("ws_read_error", slog.String("session_id", c.sessionID), slog.String("err", err.Error()))
			}
			return
		}
		var env wireEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Warn("ws_malformed_envelope", slog.String("session_id", c.sessionID))
			continue
		}
		select {
		case h.inbound <- InboundMessage{SessionID: c.sessionID, Event: env.Event, Payload: env.Payload}:
		default:
			h.logger.Warn("inbound_queue_full", slog.String("session_id", c.sessionID))
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(env)
			if err != nil {
				h.logger.Error("ws_marshal_failed", slog.String("event", env.Event), slog.String("err", err.Error()))
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	if set, ok := h.sessions[c.sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	for room, set := range h.byRoom {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byRoom, room)
			}
		}
	}
}

// Join marks every connection currently bound to sessionID as a member of
// room, for fan-out purposes. Idempotent.
func (h *Hub) Join(sessionID string, room rooms.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byRoom[room]
	if !ok {
		set = make(map[*conn]struct{})
		h.byRoom[room] = set
	}
	for c := range h.sessions[sessionID] {
		set[c] = struct{}{}
	}
}

// Leave removes every connection bound to sessionID from room's fan-out set.
func (h *Hub) Leave(sessionID string, room rooms.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byRoom[room]
	if !ok {
		return
	}
	for c := range h.sessions[sessionID] {
		delete(set, c)
	}
	if len(set) == 0 {
		delete(h.byRoom, room)
	}
}

// EmitTo unicasts event/payload to every live connection of sessionID
// (ordinarily one, more under multi-tab).
func (h *Hub) EmitTo(sessionID, event string, payload any) {
	h.mu.RLock()
	targets := snapshot(h.sessions[sessionID])
	h.mu.RUnlock()
	h.deliver(targets, event, payload)
}

// BroadcastToRoom fans event/payload out to every connection joined to room.
func (h *Hub) BroadcastToRoom(room rooms.RoomID, event string, payload any) {
	h.mu.RLock()
	targets := snapshot(h.byRoom[room])
	h.mu.RUnlock()
	h.deliver(targets, event, payload)
}

// BroadcastToRoomExcludingSender fans event/payload out to every connection
// joined to room except those bound to excludeSessionID.
func (h *Hub) BroadcastToRoomExcludingSender(excludeSessionID string, room rooms.RoomID, event string, payload any) {
	h.mu.RLock()
	all := snapshot(h.byRoom[room])
	excluded := h.sessions[excludeSessionID]
	h.mu.RUnlock()

	targets := all[:0:0]
	for _, c := range all {
		if _, skip := excluded[c]; skip {
			continue
		}
		targets = append(targets, c)
	}
	h.deliver(targets, event, payload)
}

// BroadcastAll fans event/payload out to every live connection.
func (h *Hub) BroadcastAll(event string, payload any) {
	h.mu.RLock()
	targets := snapshot(h.conns)
	h.mu.RUnlock()
	h.deliver(targets, event, payload)
}

func snapshot(set map[*conn]struct{}) []*conn {
	out := make([]*conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// deliver marshals payload once and hands it to each target's write pump.
// Per spec.md §5, this is the one place allowed to parallelize — membership
// has already been snapshotted above under the Hub's own lock, independent
// of the cadence engine's serial loop.
func (h *Hub) deliver(targets []*conn, event string, payload any) {
	if len(targets) == 0 {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("broadcast_marshal_failed", slog.String("event", event), slog.String("err", err.Error()))
		return
	}
	env := wireEnvelope{Event: event, Payload: raw}
	for _, c := range targets {
		select {
		case c.send <- env:
		default:
			h.logger.Warn("send_queue_full", slog.String("session_id", c.sessionID), slog.String("event", event))
		}
	}
}
