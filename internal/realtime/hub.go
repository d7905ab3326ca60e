// Package realtime streams saga traces to WebSocket dashboards.
package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// Hub fans trace messages out to every connected WebSocket client.
// Broadcast never blocks the caller: when the queue is full the message is
// dropped.
type Hub struct {
	// OnDrop, when set, is called for every message dropped on a full queue.
	OnDrop func()

	connections map[*websocket.Conn]struct{}
	register    chan *websocket.Conn
	unregister  chan *websocket.Conn
	messages    chan []byte
	done        chan struct{}
	upgrader    websocket.Upgrader
	log         logrus.FieldLogger
}

// NewHub constructs a Hub buffering up to queue pending messages.
func NewHub(queue int, log logrus.FieldLogger) *Hub {
	if queue < 1 {
		queue = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		messages:    make(chan []byte, queue),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Broadcast queues msg for delivery to all clients.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.messages <- msg:
	default:
		if h.OnDrop != nil {
			h.OnDrop()
		}
	}
}

// Run processes register/unregister/broadcast events until ctx ends, then
// closes every connection. It must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for conn := range h.connections {
			conn.Close()
			delete(h.connections, conn)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			h.connections[conn] = struct{}{}
		case conn := <-h.unregister:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
		case msg := <-h.messages:
			for conn := range h.connections {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.WithError(err).Debug("dropping websocket client")
					conn.Close()
					delete(h.connections, conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- conn:
	case <-h.done:
	case <-r.Context().Done():
	}
}
