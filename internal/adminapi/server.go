package adminapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"repmgrd/internal/eventstream"
	"repmgrd/internal/localstore"
	"repmgrd/internal/metadata"
)

// StatusProvider supplies the current in-memory view the /status
// endpoint reports; cmd/repmgrd fills this in from the active role
// loop's local node record.
type StatusProvider func() (local *metadata.NodeRecord, snap localstore.Snapshot, ok bool)

// Server is the admin HTTP surface. It is loopback-only by
// construction (bound address is the caller's responsibility);
// remote administration is out of scope.
type Server struct {
	Pause  *PauseGate
	Hub    *eventstream.Hub
	Status StatusProvider

	upgrader websocket.Upgrader
}

func NewServer(pause *PauseGate, hub *eventstream.Hub, status StatusProvider) *Server {
	return &Server{
		Pause:  pause,
		Hub:    hub,
		Status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only surface: any origin on localhost is fine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the mux.Router cmd/repmgrd hands to http.Server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "time": time.Now()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Status == nil {
		respondError(w, http.StatusServiceUnavailable, "status unavailable", nil)
		return
	}
	local, snap, ok := s.Status()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no local node record yet", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node":     local,
		"snapshot": snap,
		"paused":   s.Pause.IsPaused(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.Pause.Pause()
	respondJSON(w, http.StatusOK, map[string]interface{}{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.Pause.Resume()
	respondJSON(w, http.StatusOK, map[string]interface{}{"paused": false})
}

// handleEvents upgrades to a WebSocket and registers the connection
// with the event hub until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		respondError(w, http.StatusBadRequest, "websocket upgrade failed", err)
		return
	}
	s.Hub.Register(conn)
	defer s.Hub.Unregister(conn)

	// Drain and discard anything the client sends; this is a
	// publish-only feed. Exits when the client closes the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
