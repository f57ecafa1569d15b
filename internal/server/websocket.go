package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// wsHub fans serialized run events out to websocket clients. All client
// bookkeeping happens on the run goroutine.
type wsHub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	count      atomic.Int32
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

func newWSHub(log *slog.Logger) *wsHub {
	return &wsHub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// send queues a message, dropping it when the hub is backed up.
func (h *wsHub) send(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("websocket broadcast dropped", "clients", h.count.Load())
	}
}

// Clients is the number of connected clients.
func (h *wsHub) Clients() int { return int(h.count.Load()) }

func (h *wsHub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.count.Store(0)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("WebSocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("WebSocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.done:
			}
		}()
		// Clients only listen; reading detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
