package domain

import (
	"context"
	"time"
)

// ConversationFilter narrows List results; zero values match everything.
type ConversationFilter struct {
	Statuses   []ConversationStatus
	AssignedTo *Target
	QueueID    string
	Phone      string
	Limit      int
}

// ConversationRepository defines persistence operations for conversations.
// Save performs an optimistic version check: it fails with ErrRaceLost when
// the stored version differs from c.Version, and bumps c.Version on success.
// Messages passed to Create or Save are inserted in the same transaction.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation, msgs ...*Message) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	FindOpenByPhone(ctx context.Context, phone string) (*Conversation, error)
	List(ctx context.Context, f ConversationFilter) ([]*Conversation, error)
	CountAttendingByAdvisor(ctx context.Context) (map[string]int, error)
	Save(ctx context.Context, c *Conversation, appended ...*Message) error
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetByExternalID(ctx context.Context, externalID string) (*Message, error)
	ListForConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	UpdateStatus(ctx context.Context, id string, status MessageStatus, externalID *string) error
	HasMarkerSince(ctx context.Context, conversationID, marker string, since time.Time) (bool, error)
}

// QueueRepository defines operations around advisor queues.
type QueueRepository interface {
	GetQueue(ctx context.Context, id string) (*Queue, error)
	ListQueues(ctx context.Context) ([]*Queue, error)
	UpsertQueue(ctx context.Context, q *Queue) error
	DeleteQueue(ctx context.Context, id string) error
}

// Store bundles the repositories a backend provides.
type Store interface {
	ConversationRepository
	MessageRepository
	QueueRepository
	Close() error
}

// Receipt is the transport's answer to an outbound send.
type Receipt struct {
	MessageID  string        `json:"message_id"`
	ExternalID string        `json:"external_id,omitempty"`
	Status     MessageStatus `json:"status"`
	At         time.Time     `json:"at"`
}

// ChannelSender delivers outbound messages through the channel transport.
type ChannelSender interface {
	Send(ctx context.Context, conv *Conversation, msg *Message) (*Receipt, error)
}
