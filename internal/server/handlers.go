package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/investor-relay/internal/state"
	"github.com/Tyrowin/investor-relay/internal/storage"
)

// Handlers serves the WebSocket endpoint, the upload endpoint and the JSON
// read API.
type Handlers struct {
	cfg      Config
	store    *state.Store
	hub      *Hub
	router   *EventRouter
	disk     *storage.Disk
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandlers wires the HTTP surface to the relay components.
func NewHandlers(cfg Config, store *state.Store, hub *Hub, router *EventRouter, disk *storage.Disk, log *slog.Logger) *Handlers {
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Handlers{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		router:  router,
		disk:    disk,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		log: log,
	}
}

// WebSocketHandler upgrades the request and hands the connection to the hub.
// With an admin token configured, only requests carrying ?token=<token> get
// the admin capability; without one every connection is an admin observer.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	admin := h.isAdmin(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	meta := ClientMeta{
		Conn:      state.ConnID(uuid.NewString()),
		Addr:      clientIP(r),
		UserAgent: r.UserAgent(),
		Admin:     admin,
	}
	client := NewClient(conn, h.hub, h.router, meta, h.cfg, h.log)

	// Connect is queued before the pumps start, so it precedes every frame.
	if err := h.router.Connect(meta); err != nil {
		h.log.Error("Router unavailable; closing connection", "error", err)
		_ = conn.Close()
		return
	}
	if err := h.hub.Register(client); err != nil {
		h.log.Error("Hub unavailable; closing connection", "error", err)
		_ = h.router.Disconnect(meta.Conn)
		_ = conn.Close()
	}
}

func (h *Handlers) isAdmin(r *http.Request) bool {
	if h.cfg.AdminToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) == 1
}

// HealthHandler provides a simple liveness endpoint.
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Investor relay is running!")
}

// UploadsHandler lists recorded uploads.
func (h *Handlers) UploadsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Uploads.List())
}

// InvestorsHandler lists investor sessions.
func (h *Handlers) InvestorsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Sessions.List())
}

// ChatHandler returns one investor's conversation, empty when unknown.
func (h *Handlers) ChatHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Conversations.Get(chi.URLParam(r, "investorId")))
}

// StatsHandler returns session and upload counters.
func (h *Handlers) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Stats())
}

// FileServer serves stored uploads.
func (h *Handlers) FileServer() http.Handler {
	return http.StripPrefix("/uploads/", http.FileServer(h.disk.FileSystem()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
