// ABOUTME: WebSocket endpoints for agent and frontend realtime sessions.
// ABOUTME: Upgrades HTTP requests, authenticates handshakes and dispatches events into the relay.

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/agentlabs-dev/relay/internal/relay"
)

// Handshake header names presented by SDK clients.
const (
	HeaderProjectID = "x-agentlabs-project-id"
	HeaderAgentID   = "x-agentlabs-agent-id"
	HeaderSDKSecret = "x-agentlabs-sdk-secret"
	HeaderMemberID  = "x-agentlabs-member-id"
)

// clientMessage is one inbound frame from a connected peer.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Server terminates websocket sessions and feeds their events to the relay.
type Server struct {
	relay    *relay.Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer builds a websocket server. allowedOrigins restricts browser
// connections; empty means any origin is accepted.
func NewServer(h *relay.Handler, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		relay:  h,
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// Register mounts the realtime endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/agent", s.handleAgent)
	mux.HandleFunc("/frontend", s.handleFrontend)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	hello := relay.AgentHello{
		ProjectID: r.Header.Get(HeaderProjectID),
		AgentID:   r.Header.Get(HeaderAgentID),
		Secret:    r.Header.Get(HeaderSDKSecret),
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn := newConn(wsConn, s.logger)

	if err := s.relay.HandleAgentConnect(r.Context(), conn, hello); err != nil {
		// The rejection envelope is already queued; Close flushes it.
		conn.Close()
		return
	}

	s.readLoop(r.Context(), conn, wsConn, s.dispatchAgent)
}

func (s *Server) handleFrontend(w http.ResponseWriter, r *http.Request) {
	hello := relay.FrontendHello{
		ProjectID:   r.Header.Get(HeaderProjectID),
		AgentID:     r.Header.Get(HeaderAgentID),
		MemberID:    r.Header.Get(HeaderMemberID),
		AccessToken: bearerToken(r),
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("frontend upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn := newConn(wsConn, s.logger)

	if err := s.relay.HandleFrontendConnect(r.Context(), conn, hello); err != nil {
		conn.Close()
		return
	}

	s.readLoop(r.Context(), conn, wsConn, s.dispatchFrontend)
}

// readLoop pumps inbound frames until the peer disconnects, then deregisters
// the connection from the relay.
func (s *Server) readLoop(ctx context.Context, conn *Conn, wsConn *websocket.Conn, dispatch func(context.Context, *Conn, clientMessage)) {
	defer func() {
		s.relay.HandleDisconnect(conn.ID())
		conn.Close()
	}()

	for {
		var msg clientMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		dispatch(ctx, conn, msg)
	}
}

func (s *Server) dispatchAgent(ctx context.Context, conn *Conn, msg clientMessage) {
	switch msg.Event {
	case relay.EventChatMessage:
		var p relay.ChatMessagePayload
		if !s.decode(conn, msg.Data, &p) {
			return
		}
		s.pushEnvelope(conn, s.relay.HandleAgentMessage(ctx, p))

	case relay.EventStreamToken:
		var p relay.StreamTokenPayload
		if !s.decode(conn, msg.Data, &p) {
			return
		}
		s.relay.HandleStreamToken(ctx, p)

	case relay.EventStreamEnd:
		var p relay.StreamEndPayload
		if !s.decode(conn, msg.Data, &p) {
			return
		}
		if err := s.relay.HandleStreamEnd(ctx, p); err != nil {
			s.logger.Warn("stream end failed", "connection_id", conn.ID(), "error", err)
		}

	default:
		s.logger.Debug("unknown agent event", "event", msg.Event, "connection_id", conn.ID())
	}
}

func (s *Server) dispatchFrontend(ctx context.Context, conn *Conn, msg clientMessage) {
	switch msg.Event {
	case relay.EventChatMessage:
		var p relay.ChatMessagePayload
		if !s.decode(conn, msg.Data, &p) {
			return
		}
		s.pushEnvelope(conn, s.relay.HandleMemberMessage(ctx, p))

	default:
		s.logger.Debug("unknown frontend event", "event", msg.Event, "connection_id", conn.ID())
	}
}

func (s *Server) decode(conn *Conn, raw json.RawMessage, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("malformed event payload", "connection_id", conn.ID(), "error", err)
		return false
	}
	return true
}

func (s *Server) pushEnvelope(conn *Conn, env relay.Envelope) {
	ev := relay.Event{Name: relay.EventMessage, Timestamp: env.Timestamp, Data: env}
	if err := conn.Push(ev); err != nil {
		s.logger.Warn("envelope push failed", "connection_id", conn.ID(), "error", err)
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients (SDKs) send no Origin header.
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimSuffix(origin, "/"))]
		return ok
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(auth)
}
