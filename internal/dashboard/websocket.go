package dashboard

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsHub manages the active WebSocket connections and broadcasts relay
// events to all of them. This is the backend for the live traffic feed
// on the dashboard.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting, so the connections map needs no lock — all mutations
// happen in the hub goroutine via channels.
type wsHub struct {
	connections map[*wsConn]bool

	// broadcast channel — messages sent here fan out to all clients.
	broadcastCh chan []byte

	registerCh   chan *wsConn
	unregisterCh chan *wsConn
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.
}

// upgrader handles HTTP → WebSocket protocol upgrade. CheckOrigin allows
// all origins since the dashboard is served on the same port as the
// relay (same-origin) and dev tools should work too.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
	}
}

// run is the hub event loop. Runs in a background goroutine.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Client's send buffer is full — drop the connection
					// so a slow client cannot stall all broadcasts.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast sends a message to all connected clients. Non-blocking — a
// full broadcast channel drops the message; the feed is best-effort.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleWebSocket upgrades the connection and registers the client for
// broadcast messages.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	d.wsHub.registerCh <- client

	go client.writePump()
	go client.readPump(d.wsHub)
}

// writePump drains the send channel into the WebSocket connection. One
// goroutine per client.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump reads from the WebSocket only to detect disconnection — the
// feed is one-directional (server → client).
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
