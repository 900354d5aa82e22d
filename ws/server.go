package ws

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rescue-chat/auth"
	"rescue-chat/ratelimit"
	"rescue-chat/runtime"
	"rescue-chat/services"
)

// Server upgrades HTTP requests into hub connections.
type Server struct {
	hub      *runtime.Hub
	service  *services.ChatService
	tokens   *auth.TokenManager
	messages *ratelimit.Limiter
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *runtime.Hub, service *services.ChatService, tokens *auth.TokenManager,
	messages *ratelimit.Limiter, log *slog.Logger) *Server {

	return &Server{
		hub:      hub,
		service:  service,
		tokens:   tokens,
		messages: messages,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client and the API are served from different
			// origins; token validation is the actual gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps. The
// connection starts anonymous; the client has to send an authenticate
// frame before anything else.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	conn := &Connection{
		id:        runtime.ConnID(uuid.NewString()),
		conn:      socket,
		send:      make(chan outboundFrame, sendQueueSize),
		done:      make(chan struct{}),
		server:    s,
		log:       s.log,
		ip:        ip,
		userAgent: r.UserAgent(),
	}
	s.hub.Connect(conn.id, conn)

	go conn.writePump()
	conn.readPump()
}
