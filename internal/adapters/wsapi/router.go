package wsapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server bundles the pieces a live connection needs: the dispatcher for
// inbound traffic, the notifier for outbound, and the registry for session
// slots.
type Server struct {
	dispatcher *Dispatcher
	notifier   *Notifier
	registry   *Registry
	upgrader   websocket.Upgrader
	timing     Timing
	log        *slog.Logger
}

func NewServer(dispatcher *Dispatcher, notifier *Notifier, registry *Registry, allowedOrigins []string, timing Timing, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		notifier:   notifier,
		registry:   registry,
		timing:     timing,
		log:        log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

// NewRouter constructs the HTTP router. The websocket endpoint is the whole
// API surface; /healthz exists for infra checks.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.NewString()
	c := newClient(connID, conn, s.timing, s.log)

	// The slot starts unbound; CONNECT binds a subject to it later.
	s.registry.Register(connID)
	s.notifier.attach(c)
	s.log.Info("websocket connected", "conn", connID, "remote", r.RemoteAddr)

	go c.writePump()
	// The request context dies when this handler returns, but the hijacked
	// connection lives on, so the pumps run under a fresh context.
	go c.readPump(context.Background(), s.dispatcher, s.notifier)
}

// originChecker allows same-host and explicitly configured origins.
// Localhost is always allowed so local clients work without configuration.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost") || strings.Contains(origin, "://127.0.0.1") {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}
