// ABOUTME: Wire-level event and envelope types exchanged with connections.
// ABOUTME: Defines outbound push events, ack envelopes, and protocol error codes.

package relay

import (
	"fmt"
	"time"
)

// Names of events pushed to connections. EventMessage carries ack and
// error envelopes back to the sender.
const (
	EventMessage     = "message"
	EventChatMessage = "chat-message"
	EventStreamToken = "stream-chat-message-token"
	EventStreamEnd   = "stream-chat-message-end"
)

// Protocol error codes surfaced in envelope errors.
const (
	CodeConversationNotFound       = "CONVERSATION_NOT_FOUND"
	CodeFrontendConnectionNotFound = "FRONTEND_CONNECTION_NOT_FOUND"
	CodeAgentConnectionNotFound    = "AGENT_CONNECTION_NOT_FOUND"
	CodeAlreadyConnected           = "ALREADY_CONNECTED"
	CodeMissingProjectID           = "MISSING_PROJECT_ID"
	CodeMissingAgentID             = "MISSING_AGENT_ID"
	CodeMissingSDKSecret           = "MISSING_SDK_SECRET"
	CodeMissingMemberID            = "MISSING_MEMBER_ID"
	CodeMissingAccessToken         = "MISSING_ACCESS_TOKEN"
	CodeAgentNotFound              = "AGENT_NOT_FOUND"
	CodeMemberNotFound             = "MEMBER_NOT_FOUND"
	CodeInvalidCredentials         = "INVALID_CREDENTIALS"
	CodeInternalError              = "INTERNAL_ERROR"
)

// Event is one outbound push to a connection.
type Event struct {
	Name      string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// ChatMessageData is the payload of a chat-message push.
type ChatMessageData struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	Format         string `json:"format"`
	Source         string `json:"source"`
	MessageID      string `json:"messageId"`
}

// StreamTokenData is the payload of a live token preview push.
type StreamTokenData struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Text           string `json:"text"`
	Format         string `json:"format"`
}

// StreamEndData is the payload of a stream completion push. MessageID is
// the producer's stream correlation id; PersistedID is the durable record.
type StreamEndData struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	PersistedID    string `json:"persistedId"`
	Text           string `json:"text"`
	Format         string `json:"format"`
	Source         string `json:"source"`
}

// Envelope is the acknowledgement returned to the sender of an inbound
// event, carrying either result data or a coded error.
type Envelope struct {
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Error     *ErrorInfo     `json:"error,omitempty"`
}

// ErrorInfo identifies a protocol failure inside an envelope.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProtocolError is a connect-time failure. The transport terminates the
// connection when a handshake handler returns one.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func okEnvelope(message string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Message:   message,
		Timestamp: timestamp(),
		Data:      data,
	}
}

func errEnvelope(code, message string) Envelope {
	return Envelope{
		Message:   message,
		Timestamp: timestamp(),
		Data:      map[string]any{},
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
