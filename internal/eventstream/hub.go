// Package eventstream is the admin API's live "/events" feed: a
// gorilla/websocket hub that fans out metadata.Event records to every
// connected operator console. Adapted from internal/websocket's
// MonitorHub, generalized from a generic "type/data/level" envelope to
// the daemon's own event-kind enum.
package eventstream

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"repmgrd/internal/metadata"
)

// Hub manages WebSocket connections for the event feed.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan metadata.Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan metadata.Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's event loop; call it once in its own goroutine.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			log.Printf("eventstream: client connected, total: %d", len(h.clients))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()
			log.Printf("eventstream: client disconnected, total: %d", len(h.clients))

		case event := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					log.Printf("eventstream: write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Publish sends an event to every connected client, non-blocking.
func (h *Hub) Publish(e metadata.Event) {
	select {
	case h.broadcast <- e:
	default:
		log.Printf("eventstream: broadcast channel full, event %s dropped", e.Kind)
	}
}
