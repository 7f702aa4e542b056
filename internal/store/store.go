// ABOUTME: Store interface and data types for relay-gateway persistence.
// ABOUTME: Defines Project, Agent, Member, Conversation, Message, SDKSecret and the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when trying to create an entity that already exists
var ErrDuplicate = errors.New("already exists")

// Message sources: which side of the conversation authored a message.
const (
	SourceAgent  = "AGENT"
	SourceMember = "MEMBER"
)

// Message formats carried on the wire and persisted with each message.
const (
	FormatPlainText = "PlainText"
	FormatMarkdown  = "Markdown"
)

// Project groups agents, members and SDK secrets under one tenant.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Agent is a registered agent identity within a project. A live socket for
// it may or may not exist at any moment.
type Agent struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
}

// Member is an end user of a project's frontend.
type Member struct {
	ID          string
	ProjectID   string
	Email       string
	FullName    string
	IsAnonymous bool
	CreatedAt   time.Time
}

// Conversation links one agent and one member. The relay treats it as a
// read-mostly lookup target and never mutates rows directly.
type Conversation struct {
	ID        string
	AgentID   string
	MemberID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationWithAgent is a conversation joined with its agent row, the
// shape the relay needs to derive the frontend routing key.
type ConversationWithAgent struct {
	Conversation
	Agent *Agent
}

// Message is one persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	Text           string
	Source         string // SourceAgent or SourceMember
	Format         string // FormatPlainText or FormatMarkdown
	CreatedAt      time.Time
}

// NewMessage carries the fields the relay supplies when persisting a message.
type NewMessage struct {
	ConversationID string
	Text           string
	Source         string
	Format         string
}

// SDKSecret is a hashed credential an agent process presents at connect time.
// The plaintext is shown once at creation and never stored.
type SDKSecret struct {
	ID          string
	ProjectID   string
	Hash        string
	Salt        string
	Description string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Store defines the interface for relay-gateway persistence
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetProjectAgent(ctx context.Context, projectID, agentID string) (*Agent, error)
	ListProjectAgents(ctx context.Context, projectID string) ([]*Agent, error)

	// Members
	CreateMember(ctx context.Context, member *Member) error
	GetMember(ctx context.Context, id string) (*Member, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationWithAgent(ctx context.Context, id string) (*ConversationWithAgent, error)
	ListConversations(ctx context.Context, agentID, memberID string) ([]*Conversation, error)

	// Messages
	CreateMessage(ctx context.Context, msg *NewMessage) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// SDK secrets
	CreateSecret(ctx context.Context, secret *SDKSecret) error
	ListProjectSecrets(ctx context.Context, projectID string) ([]*SDKSecret, error)
	RevokeSecret(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
