// ABOUTME: REST endpoints for conversations, message history and SDK secrets.
// ABOUTME: Renders markdown history to HTML on request and routes member sends through the relay.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/agentlabs-dev/relay/internal/relay"
	"github.com/agentlabs-dev/relay/internal/store"
)

const defaultMessageLimit = 100

// MessageSender is the slice of the relay the HTTP surface needs.
type MessageSender interface {
	HandleMemberMessage(ctx context.Context, p relay.ChatMessagePayload) relay.Envelope
	AgentOnline(projectID, agentID string) bool
}

// SecretIssuer creates and revokes SDK secrets.
type SecretIssuer interface {
	CreateSecret(ctx context.Context, projectID, description string) (string, *store.SDKSecret, error)
	Revoke(ctx context.Context, id string) error
}

// Server exposes the REST API.
type Server struct {
	store    store.Store
	sender   MessageSender
	secrets  SecretIssuer
	markdown goldmark.Markdown
	logger   *slog.Logger
}

// NewServer builds the REST API server.
func NewServer(st store.Store, sender MessageSender, secrets SecretIssuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		sender:   sender,
		secrets:  secrets,
		markdown: goldmark.New(),
		logger:   logger.With("component", "httpapi"),
	}
}

// Register mounts all REST routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage)

	mux.HandleFunc("POST /api/projects/{id}/secrets", s.handleCreateSecret)
	mux.HandleFunc("GET /api/projects/{id}/secrets", s.handleListSecrets)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.handleRevokeSecret)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type conversationResponse struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId"`
	MemberID    string    `json:"memberId"`
	AgentOnline bool      `json:"agentOnline"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	memberID := r.URL.Query().Get("memberId")

	convs, err := s.store.ListConversations(r.Context(), agentID, memberID)
	if err != nil {
		s.internalError(w, "listing conversations", err)
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, s.conversationResponse(r.Context(), conv))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

type createConversationRequest struct {
	AgentID  string `json:"agentId"`
	MemberID string `json:"memberId"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.MemberID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId and memberId are required")
		return
	}

	if _, err := s.store.GetMember(r.Context(), req.MemberID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "member not found")
			return
		}
		s.internalError(w, "member lookup", err)
		return
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		AgentID:   req.AgentID,
		MemberID:  req.MemberID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.internalError(w, "creating conversation", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, s.conversationResponse(r.Context(), conv))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.internalError(w, "conversation lookup", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.conversationResponse(r.Context(), conv))
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	HTML           string    `json:"html,omitempty"`
	Source         string    `json:"source"`
	Format         string    `json:"format"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.internalError(w, "conversation lookup", err)
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	renderHTML := r.URL.Query().Get("render") == "html"

	messages, err := s.store.ListConversationMessages(r.Context(), conversationID, limit)
	if err != nil {
		s.internalError(w, "listing messages", err)
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		resp := messageResponse{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Text:           msg.Text,
			Source:         msg.Source,
			Format:         msg.Format,
			CreatedAt:      msg.CreatedAt,
		}
		if renderHTML && msg.Format == store.FormatMarkdown {
			var buf bytes.Buffer
			if err := s.markdown.Convert([]byte(msg.Text), &buf); err != nil {
				s.logger.Warn("markdown render failed", "message_id", msg.ID, "error", err)
			} else {
				resp.HTML = buf.String()
			}
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type sendMessageRequest struct {
	Text   string `json:"text"`
	Format string `json:"format"`
}

// handleSendMessage lets a frontend without a live socket post into a
// conversation. It goes through the same relay path as the realtime send,
// so persistence and agent delivery behave identically.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	env := s.sender.HandleMemberMessage(r.Context(), relay.ChatMessagePayload{
		ConversationID: r.PathValue("id"),
		Text:           req.Text,
		Format:         req.Format,
	})

	status := http.StatusOK
	if env.Error != nil {
		switch env.Error.Code {
		case relay.CodeConversationNotFound:
			status = http.StatusNotFound
		case relay.CodeAgentConnectionNotFound:
			// Persisted but undeliverable right now.
			status = http.StatusAccepted
		default:
			status = http.StatusInternalServerError
		}
	}
	s.writeJSON(w, status, env)
}

type createSecretRequest struct {
	Description string `json:"description"`
}

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.internalError(w, "project lookup", err)
		return
	}

	var req createSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plaintext, secret, err := s.secrets.CreateSecret(r.Context(), projectID, req.Description)
	if err != nil {
		s.internalError(w, "creating secret", err)
		return
	}

	// The plaintext is returned exactly once and never persisted.
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":          secret.ID,
		"projectId":   secret.ProjectID,
		"description": secret.Description,
		"secret":      plaintext,
		"createdAt":   secret.CreatedAt,
	})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListProjectSecrets(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "listing secrets", err)
		return
	}

	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, map[string]any{
			"id":          sec.ID,
			"projectId":   sec.ProjectID,
			"description": sec.Description,
			"createdAt":   sec.CreatedAt,
			"revokedAt":   sec.RevokedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"secrets": out})
}

func (s *Server) handleRevokeSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.secrets.Revoke(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "secret not found")
			return
		}
		s.internalError(w, "revoking secret", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) conversationResponse(ctx context.Context, conv *store.Conversation) conversationResponse {
	resp := conversationResponse{
		ID:        conv.ID,
		AgentID:   conv.AgentID,
		MemberID:  conv.MemberID,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	if agent, err := s.store.GetConversationWithAgent(ctx, conv.ID); err == nil && agent.Agent != nil {
		resp.AgentOnline = s.sender.AgentOnline(agent.Agent.ProjectID, agent.Agent.ID)
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what+" failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
