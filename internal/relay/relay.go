// ABOUTME: Relay protocol handler orchestrating connect, disconnect, send and stream events.
// ABOUTME: Composes the registries, conversation locks and stream aggregator with persistence.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentlabs-dev/relay/internal/convlock"
	"github.com/agentlabs-dev/relay/internal/registry"
	"github.com/agentlabs-dev/relay/internal/store"
	"github.com/agentlabs-dev/relay/internal/stream"
)

// Connection is the transport-agnostic handle the relay pushes events to.
// The relay never sees below this abstraction.
type Connection interface {
	ID() string
	RemoteAddr() string
	Push(ev Event) error
	Close()
}

// ConversationStore is the conversation lookup slice of persistence.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationWithAgent(ctx context.Context, id string) (*store.ConversationWithAgent, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *store.NewMessage) (*store.Message, error)
}

// AgentDirectory resolves agent identities within a project.
type AgentDirectory interface {
	GetProjectAgent(ctx context.Context, projectID, agentID string) (*store.Agent, error)
}

// MemberDirectory resolves member identities.
type MemberDirectory interface {
	GetMember(ctx context.Context, id string) (*store.Member, error)
}

// CredentialVerifier checks an SDK secret presented at agent connect time.
type CredentialVerifier interface {
	Verify(ctx context.Context, projectID, secret string) (bool, error)
}

// TokenVerifier checks a member access token presented at frontend connect
// time and returns the member id it was issued for.
type TokenVerifier interface {
	Verify(token string) (memberID string, err error)
}

// Params collects the collaborators a Handler needs.
type Params struct {
	Conversations ConversationStore
	Messages      MessageStore
	Agents        AgentDirectory
	Members       MemberDirectory
	Credentials   CredentialVerifier
	Tokens        TokenVerifier

	StreamIdleTimeout  time.Duration
	StreamReapInterval time.Duration

	Logger *slog.Logger
}

// Handler is the relay orchestrator. One instance owns both connection
// registries, the per-conversation locks and the stream aggregator; every
// inbound event flows through it.
type Handler struct {
	agents    *registry.Registry[registry.AgentKey, Connection]
	frontends *registry.Registry[registry.FrontendKey, Connection]
	locks     *convlock.Manager
	streams   *stream.Aggregator

	conversations ConversationStore
	messages      MessageStore
	agentDir      AgentDirectory
	members       MemberDirectory
	credentials   CredentialVerifier
	tokens        TokenVerifier

	logger *slog.Logger
}

// NewHandler builds a Handler and its owned components.
func NewHandler(p Params) *Handler {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	h := &Handler{
		agents:        registry.New[registry.AgentKey, Connection]("agent", logger),
		frontends:     registry.New[registry.FrontendKey, Connection]("frontend", logger),
		locks:         convlock.NewManager(logger),
		conversations: p.Conversations,
		messages:      p.Messages,
		agentDir:      p.Agents,
		members:       p.Members,
		credentials:   p.Credentials,
		tokens:        p.Tokens,
		logger:        logger,
	}
	h.streams = stream.New(p.Messages, h.locks, h, p.StreamIdleTimeout, p.StreamReapInterval, logger)
	return h
}

// Run starts background maintenance (stream session reaping) until ctx is
// cancelled.
func (h *Handler) Run(ctx context.Context) {
	h.streams.Run(ctx)
}

// AgentHello carries the agent handshake identifiers.
type AgentHello struct {
	ProjectID string
	AgentID   string
	Secret    string
}

// HandleAgentConnect validates the handshake and registers the connection
// in the agent registry. On failure the reason is pushed to the connection
// and a ProtocolError is returned; the transport must then terminate.
func (h *Handler) HandleAgentConnect(ctx context.Context, conn Connection, hello AgentHello) error {
	if hello.ProjectID == "" {
		return h.rejectConnect(conn, CodeMissingProjectID, "Missing header: x-agentlabs-project-id, closing connection")
	}
	if hello.AgentID == "" {
		return h.rejectConnect(conn, CodeMissingAgentID, "Missing header: x-agentlabs-agent-id, closing connection")
	}
	if hello.Secret == "" {
		return h.rejectConnect(conn, CodeMissingSDKSecret, "Missing header: x-agentlabs-sdk-secret, closing connection")
	}

	authorized, err := h.credentials.Verify(ctx, hello.ProjectID, hello.Secret)
	if err != nil {
		h.logger.Error("credential verification failed", "error", err, "project_id", hello.ProjectID)
		return h.rejectConnect(conn, CodeInternalError, "Credential verification failed, closing connection")
	}
	if !authorized {
		return h.rejectConnect(conn, CodeInvalidCredentials, "Invalid credentials, closing connection")
	}

	if _, err := h.agentDir.GetProjectAgent(ctx, hello.ProjectID, hello.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.rejectConnect(conn, CodeAgentNotFound,
				fmt.Sprintf("Agent not found: ID=%s,PROJECT_ID=%s", hello.AgentID, hello.ProjectID))
		}
		h.logger.Error("agent lookup failed", "error", err, "agent_id", hello.AgentID)
		return h.rejectConnect(conn, CodeInternalError, "Agent lookup failed, closing connection")
	}

	key := registry.AgentKey{ProjectID: hello.ProjectID, AgentID: hello.AgentID}
	if err := h.agents.Register(key, conn); err != nil {
		return h.rejectConnect(conn, CodeAlreadyConnected,
			fmt.Sprintf("Agent %s is already connected to project %s", hello.AgentID, hello.ProjectID))
	}

	h.pushEnvelope(conn, okEnvelope(fmt.Sprintf("Agent %s connected successfully", hello.AgentID), nil))
	return nil
}

// FrontendHello carries the frontend (member session) handshake identifiers.
type FrontendHello struct {
	ProjectID   string
	AgentID     string
	MemberID    string
	AccessToken string
}

// HandleFrontendConnect validates the member handshake and registers the
// connection in the frontend registry.
func (h *Handler) HandleFrontendConnect(ctx context.Context, conn Connection, hello FrontendHello) error {
	if hello.ProjectID == "" {
		return h.rejectConnect(conn, CodeMissingProjectID, "Missing header: x-agentlabs-project-id, closing connection")
	}
	if hello.AgentID == "" {
		return h.rejectConnect(conn, CodeMissingAgentID, "Missing header: x-agentlabs-agent-id, closing connection")
	}
	if hello.MemberID == "" {
		return h.rejectConnect(conn, CodeMissingMemberID, "Missing header: x-agentlabs-member-id, closing connection")
	}
	if hello.AccessToken == "" {
		return h.rejectConnect(conn, CodeMissingAccessToken, "Missing header: authorization, closing connection")
	}

	subject, err := h.tokens.Verify(hello.AccessToken)
	if err != nil || subject != hello.MemberID {
		return h.rejectConnect(conn, CodeInvalidCredentials, "Invalid credentials, closing connection")
	}

	member, err := h.members.GetMember(ctx, hello.MemberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.rejectConnect(conn, CodeMemberNotFound,
				fmt.Sprintf("Member not found: ID=%s", hello.MemberID))
		}
		h.logger.Error("member lookup failed", "error", err, "member_id", hello.MemberID)
		return h.rejectConnect(conn, CodeInternalError, "Member lookup failed, closing connection")
	}
	if member.ProjectID != hello.ProjectID {
		return h.rejectConnect(conn, CodeMemberNotFound,
			fmt.Sprintf("Member not found: ID=%s", hello.MemberID))
	}

	if _, err := h.agentDir.GetProjectAgent(ctx, hello.ProjectID, hello.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.rejectConnect(conn, CodeAgentNotFound,
				fmt.Sprintf("Agent not found: ID=%s,PROJECT_ID=%s", hello.AgentID, hello.ProjectID))
		}
		h.logger.Error("agent lookup failed", "error", err, "agent_id", hello.AgentID)
		return h.rejectConnect(conn, CodeInternalError, "Agent lookup failed, closing connection")
	}

	key := registry.FrontendKey{ProjectID: hello.ProjectID, AgentID: hello.AgentID, MemberID: hello.MemberID}
	if err := h.frontends.Register(key, conn); err != nil {
		return h.rejectConnect(conn, CodeAlreadyConnected,
			fmt.Sprintf("Member %s is already connected to agent %s", hello.MemberID, hello.AgentID))
	}

	h.pushEnvelope(conn, okEnvelope(fmt.Sprintf("Member %s connected successfully", hello.MemberID), nil))
	return nil
}

// HandleDisconnect removes the closing connection from whichever registry
// owns it. Safe to call for ids that were never registered or were already
// removed.
func (h *Handler) HandleDisconnect(connectionID string) {
	h.agents.RemoveByConnectionID(connectionID)
	h.frontends.RemoveByConnectionID(connectionID)
}

// ChatMessagePayload is an inbound send-message event.
type ChatMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	Format         string `json:"format"`
}

// HandleAgentMessage relays a plain (non-streamed) message from the agent
// side to the member's frontend connection. The message is persisted under
// the conversation mutex before delivery is attempted; a missing frontend
// connection is reported to the sender but does not undo persistence.
func (h *Handler) HandleAgentMessage(ctx context.Context, p ChatMessagePayload) Envelope {
	conv, err := h.conversations.GetConversationWithAgent(ctx, p.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			msg := fmt.Sprintf("Conversation not found: ID=%s", p.ConversationID)
			h.logger.Error(msg)
			return errEnvelope(CodeConversationNotFound, msg)
		}
		h.logger.Error("conversation lookup failed", "error", err, "conversation_id", p.ConversationID)
		return errEnvelope(CodeInternalError, "conversation lookup failed")
	}

	if err := h.locks.Acquire(ctx, conv.ID); err != nil {
		return errEnvelope(CodeInternalError, "conversation busy: "+err.Error())
	}
	defer h.locks.Release(conv.ID)

	msg, err := h.messages.CreateMessage(ctx, &store.NewMessage{
		ConversationID: conv.ID,
		Text:           p.Text,
		Source:         store.SourceAgent,
		Format:         p.Format,
	})
	if err != nil {
		h.logger.Error("message persistence failed", "error", err, "conversation_id", conv.ID)
		return errEnvelope(CodeInternalError, "failed to persist message")
	}

	key := registry.FrontendKey{
		ProjectID: conv.Agent.ProjectID,
		AgentID:   conv.Agent.ID,
		MemberID:  conv.MemberID,
	}
	frontend, ok := h.frontends.Lookup(key)
	if !ok {
		detail := fmt.Sprintf("Frontend connection not found: MEMBER_ID=%s,PROJECT_ID=%s,AGENT_ID=%s",
			conv.MemberID, conv.Agent.ProjectID, conv.Agent.ID)
		h.logger.Error(detail)
		return errEnvelope(CodeFrontendConnectionNotFound, detail)
	}

	h.pushEvent(frontend, Event{
		Name:      EventChatMessage,
		Timestamp: timestamp(),
		Data: ChatMessageData{
			ConversationID: conv.ID,
			Text:           msg.Text,
			Format:         msg.Format,
			Source:         msg.Source,
			MessageID:      msg.ID,
		},
	})

	return okEnvelope("Message sent successfully", map[string]any{
		"messageId":      msg.ID,
		"conversationId": conv.ID,
	})
}

// HandleMemberMessage relays a message from the member side to the agent's
// live connection; the mirror of HandleAgentMessage.
func (h *Handler) HandleMemberMessage(ctx context.Context, p ChatMessagePayload) Envelope {
	conv, err := h.conversations.GetConversationWithAgent(ctx, p.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			msg := fmt.Sprintf("Conversation not found: ID=%s", p.ConversationID)
			h.logger.Error(msg)
			return errEnvelope(CodeConversationNotFound, msg)
		}
		h.logger.Error("conversation lookup failed", "error", err, "conversation_id", p.ConversationID)
		return errEnvelope(CodeInternalError, "conversation lookup failed")
	}

	if err := h.locks.Acquire(ctx, conv.ID); err != nil {
		return errEnvelope(CodeInternalError, "conversation busy: "+err.Error())
	}
	defer h.locks.Release(conv.ID)

	msg, err := h.messages.CreateMessage(ctx, &store.NewMessage{
		ConversationID: conv.ID,
		Text:           p.Text,
		Source:         store.SourceMember,
		Format:         p.Format,
	})
	if err != nil {
		h.logger.Error("message persistence failed", "error", err, "conversation_id", conv.ID)
		return errEnvelope(CodeInternalError, "failed to persist message")
	}

	key := registry.AgentKey{ProjectID: conv.Agent.ProjectID, AgentID: conv.Agent.ID}
	agentConn, ok := h.agents.Lookup(key)
	if !ok {
		detail := fmt.Sprintf("Agent connection not found: PROJECT_ID=%s,AGENT_ID=%s",
			conv.Agent.ProjectID, conv.Agent.ID)
		h.logger.Error(detail)
		return errEnvelope(CodeAgentConnectionNotFound, detail)
	}

	h.pushEvent(agentConn, Event{
		Name:      EventChatMessage,
		Timestamp: timestamp(),
		Data: ChatMessageData{
			ConversationID: conv.ID,
			Text:           msg.Text,
			Format:         msg.Format,
			Source:         msg.Source,
			MessageID:      msg.ID,
		},
	})

	return okEnvelope("Message sent successfully", map[string]any{
		"messageId":      msg.ID,
		"conversationId": conv.ID,
	})
}

// StreamTokenPayload is an inbound stream-token event.
type StreamTokenPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	Format         string `json:"format"`
}

// HandleStreamToken feeds one fragment into the aggregator. No
// conversation mutex is held here; tokens are a best-effort live channel.
func (h *Handler) HandleStreamToken(ctx context.Context, p StreamTokenPayload) {
	h.streams.HandleToken(ctx, stream.TokenEvent{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		Text:           p.Text,
		Format:         p.Format,
	})
}

// StreamEndPayload is an inbound stream-end event.
type StreamEndPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// HandleStreamEnd finalizes the stream via the aggregator.
func (h *Handler) HandleStreamEnd(ctx context.Context, p StreamEndPayload) error {
	return h.streams.End(ctx, stream.EndEvent{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
	})
}

// StreamToken implements stream.Notifier: forward a live fragment to the
// member's frontend connection. Failures are logged and dropped; the
// durable record is produced at finalization.
func (h *Handler) StreamToken(conversationID, messageID, text, format string) {
	frontend, ok := h.frontendForConversation(conversationID)
	if !ok {
		return
	}
	h.pushEvent(frontend, Event{
		Name:      EventStreamToken,
		Timestamp: timestamp(),
		Data: StreamTokenData{
			ConversationID: conversationID,
			MessageID:      messageID,
			Text:           text,
			Format:         format,
		},
	})
}

// StreamEnd implements stream.Notifier: tell the frontend the stream
// completed, carrying the finalized persisted message.
func (h *Handler) StreamEnd(streamMessageID string, msg *store.Message) {
	frontend, ok := h.frontendForConversation(msg.ConversationID)
	if !ok {
		return
	}
	h.pushEvent(frontend, Event{
		Name:      EventStreamEnd,
		Timestamp: timestamp(),
		Data: StreamEndData{
			ConversationID: msg.ConversationID,
			MessageID:      streamMessageID,
			PersistedID:    msg.ID,
			Text:           msg.Text,
			Format:         msg.Format,
			Source:         msg.Source,
		},
	})
}

// frontendForConversation resolves the frontend connection for a
// conversation's member, if one is live.
func (h *Handler) frontendForConversation(conversationID string) (Connection, bool) {
	conv, err := h.conversations.GetConversationWithAgent(context.Background(), conversationID)
	if err != nil {
		h.logger.Debug("conversation lookup failed for stream push",
			"error", err, "conversation_id", conversationID)
		return nil, false
	}
	key := registry.FrontendKey{
		ProjectID: conv.Agent.ProjectID,
		AgentID:   conv.Agent.ID,
		MemberID:  conv.MemberID,
	}
	frontend, ok := h.frontends.Lookup(key)
	if !ok {
		h.logger.Debug("no frontend connection for stream push",
			"conversation_id", conversationID, "member_id", conv.MemberID)
	}
	return frontend, ok
}

// AgentOnline reports whether a live agent connection exists for the key.
func (h *Handler) AgentOnline(projectID, agentID string) bool {
	return h.agents.Has(registry.AgentKey{ProjectID: projectID, AgentID: agentID})
}

// rejectConnect pushes the failure envelope to the connection and returns
// a ProtocolError for the transport to act on.
func (h *Handler) rejectConnect(conn Connection, code, message string) error {
	h.logger.Error("connection rejected", "code", code, "connection_id", conn.ID())
	h.pushEnvelope(conn, errEnvelope(code, message))
	return &ProtocolError{Code: code, Message: message}
}

func (h *Handler) pushEnvelope(conn Connection, env Envelope) {
	h.pushEvent(conn, Event{Name: EventMessage, Timestamp: env.Timestamp, Data: env})
}

func (h *Handler) pushEvent(conn Connection, ev Event) {
	if err := conn.Push(ev); err != nil {
		h.logger.Warn("push failed",
			"connection_id", conn.ID(),
			"event", ev.Name,
			"error", err,
		)
	}
}
