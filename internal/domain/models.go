package domain

import "time"

// ConversationStatus is the routing state of a conversation.
type ConversationStatus string

const (
	// StatusQueued covers both unassigned and assigned-but-not-accepted.
	StatusQueued    ConversationStatus = "queued"
	StatusAttending ConversationStatus = "attending"
	StatusArchived  ConversationStatus = "archived"
)

// IsOpen reports whether the conversation still takes part in routing.
func (s ConversationStatus) IsOpen() bool {
	return s == StatusQueued || s == StatusAttending
}

// AssignmentSource records how the current owner got the conversation.
type AssignmentSource string

const (
	AssignedByNone     AssignmentSource = ""
	AssignedByPolicy   AssignmentSource = "policy"
	AssignedByTransfer AssignmentSource = "transfer"
	AssignedByTakeOver AssignmentSource = "takeover"
	AssignedByAccept   AssignmentSource = "accept"
)

// Conversation is a customer thread on an external channel (WhatsApp).
type Conversation struct {
	ID                  string             `db:"id" json:"id"`
	Phone               string             `db:"phone" json:"phone"`
	Status              ConversationStatus `db:"status" json:"status"`
	QueueID             *string            `db:"queue_id" json:"queue_id,omitempty"`
	AssignedTo          *Target            `db:"-" json:"assigned_to,omitempty"`
	AssignedBy          AssignmentSource   `db:"assigned_by" json:"assigned_by,omitempty"`
	TransferredFrom     *Target            `db:"-" json:"transferred_from,omitempty"`
	AssignedAt          *time.Time         `db:"assigned_at" json:"assigned_at,omitempty"`
	BounceCount         int                `db:"bounce_count" json:"bounce_count"`
	LastClientMessageAt time.Time          `db:"last_client_message_at" json:"last_client_message_at"`
	WindowWarnedAt      *time.Time         `db:"window_warned_at" json:"window_warned_at,omitempty"`
	ReadAt              *time.Time         `db:"read_at" json:"read_at,omitempty"`
	LastSeq             int64              `db:"last_seq" json:"last_seq"`
	Version             int64              `db:"version" json:"version"`
	CreatedAt           time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time          `db:"updated_at" json:"updated_at"`
	ArchivedAt          *time.Time         `db:"archived_at" json:"archived_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate a snapshot freely.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.QueueID = cloneString(c.QueueID)
	cp.AssignedTo = c.AssignedTo.Clone()
	cp.TransferredFrom = c.TransferredFrom.Clone()
	cp.AssignedAt = cloneTime(c.AssignedAt)
	cp.WindowWarnedAt = cloneTime(c.WindowWarnedAt)
	cp.ReadAt = cloneTime(c.ReadAt)
	cp.ArchivedAt = cloneTime(c.ArchivedAt)
	return &cp
}

// AssignedAdvisor returns the advisor id when a human advisor owns the
// conversation, or "" otherwise.
func (c *Conversation) AssignedAdvisor() string {
	if c.AssignedTo != nil && c.AssignedTo.Kind == TargetAdvisor {
		return c.AssignedTo.ID
	}
	return ""
}

// AwaitingAccept reports whether the conversation is queued for a specific
// advisor who has not accepted yet.
func (c *Conversation) AwaitingAccept() bool {
	return c.Status == StatusQueued && c.AssignedAdvisor() != ""
}

// Consistent checks the status/ownership invariant.
func (c *Conversation) Consistent() bool {
	if c.Status == StatusAttending && c.AssignedTo == nil {
		return false
	}
	if c.AssignedTo != nil && c.AssignedTo.Kind == TargetQueue {
		return false
	}
	return true
}

// MessageDirection tells whether a message came from the client or from us.
type MessageDirection string

const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// MessageType classifies a message; bodies are opaque to the engine.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageTemplate MessageType = "template"
	MessageSystem   MessageType = "system"
	MessageInternal MessageType = "internal"
)

// MessageStatus is the delivery state of an outgoing message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

var messageStatusRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// Advances reports whether moving from s to next is a forward transition.
// Failed is terminal and reachable from pending or sent.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if s == MessageFailed {
		return false
	}
	if next == MessageFailed {
		return s == MessagePending || s == MessageSent
	}
	cur, ok1 := messageStatusRank[s]
	nxt, ok2 := messageStatusRank[next]
	return ok1 && ok2 && nxt > cur
}

// Markers tag system messages so scans can find them again.
const (
	MarkerWindowWarning = "window_expired"
	MarkerTransfer      = "transfer"
)

// Message is a single append-only entry of a conversation.
type Message struct {
	ID             string           `db:"id" json:"id"`
	ConversationID string           `db:"conversation_id" json:"conversation_id"`
	Seq            int64            `db:"seq" json:"seq"`
	Direction      MessageDirection `db:"direction" json:"direction"`
	Type           MessageType      `db:"type" json:"type"`
	Body           string           `db:"body" json:"body"`
	Status         MessageStatus    `db:"status" json:"status"`
	ExternalID     *string          `db:"external_id" json:"external_id,omitempty"`
	SenderID       *string          `db:"sender_id" json:"sender_id,omitempty"`
	Marker         *string          `db:"marker" json:"marker,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}

// Queue is a named pool of advisors used for assignment and as a transfer
// target.
type Queue struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Members  []string `json:"members"`
	Strategy string   `json:"strategy,omitempty"`
}

// HasMember reports whether advisorID belongs to the queue.
func (q *Queue) HasMember(advisorID string) bool {
	for _, m := range q.Members {
		if m == advisorID {
			return true
		}
	}
	return false
}

// PresenceStatus is the advisor-selected status; Action "accept" means the
// advisor can receive new conversations.
type PresenceStatus struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

const PresenceActionAccept = "accept"

// Presence is the last known presence of an advisor.
type Presence struct {
	UserID   string         `json:"user_id"`
	IsOnline bool           `json:"is_online"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// Eligible reports whether the advisor may receive new assignments.
func (p Presence) Eligible() bool {
	return p.IsOnline && p.Status.Action == PresenceActionAccept
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
