// ABOUTME: Store interface and data types for message-gateway persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSelfConversation is returned when both conversation participants are the same user
var ErrSelfConversation = errors.New("conversation requires two distinct participants")

// ErrNotParticipant is returned when a user is not part of the conversation
var ErrNotParticipant = errors.New("user is not a conversation participant")

// User status constants
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// User role constants
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// User represents a locally persisted user. The identity originates from the
// external account provider; rows are created on first successful connection
// and never deleted by the gateway.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a two-party message thread. At most one conversation exists
// per unordered pair of participants.
type Conversation struct {
	ID           string         `json:"id"`
	Participants []*Participant `json:"participants"`
	Messages     []*Message     `json:"messages"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Participant tracks one user's membership and unread bookkeeping within a
// conversation.
type Participant struct {
	UserID            string `json:"userId"`
	ConversationID    string `json:"conversationId"`
	UnreadCount       int    `json:"unreadCount"`
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
}

// Message is a single immutable message owned by its conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RecentMessageLimit is how many messages FindOrCreateConversation returns
// for an existing conversation, ordered oldest to newest.
const RecentMessageLimit = 50

// Store defines the interface for user, conversation and message persistence.
// All errors propagate to callers; no operation is partially applied without
// returning an error.
type Store interface {
	// Users
	UpsertUser(ctx context.Context, id, name, email, role string) (*User, error)
	SetUserStatus(ctx context.Context, userID, status string) error
	ListUsers(ctx context.Context, excludeID string) ([]*User, error)

	// Conversations
	FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetParticipant(ctx context.Context, userID, conversationID string) (*Participant, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	MarkRead(ctx context.Context, userID, conversationID string) error

	Close() error
}
