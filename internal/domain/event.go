package domain

import (
	"context"
	"time"
)

// EventKind names a real-time event.
type EventKind string

const (
	EventNewMessage         EventKind = "new_message"
	EventMessageUpdate      EventKind = "message_update"
	EventConversationUpdate EventKind = "conversation_update"
	EventPresenceUpdate     EventKind = "presence_update"
	EventTyping             EventKind = "typing"
	EventReadReceipt        EventKind = "read_receipt"
	EventSupervisorAlert    EventKind = "supervisor_alert"
)

// Conversation update actions.
const (
	ActionCreated     = "created"
	ActionAssigned    = "assigned"
	ActionAccepted    = "accepted"
	ActionRejected    = "rejected"
	ActionBounced     = "bounced"
	ActionTransferred = "transferred"
	ActionTakenOver   = "taken_over"
	ActionArchived    = "archived"
	ActionUnarchived  = "unarchived"
	ActionUnassigned  = "unassigned"
	ActionWindowWarn  = "window_warned"
	ActionRead        = "read"
)

// Supervisor alert codes.
const (
	AlertBounceExhausted = "bounce_exhausted"
	AlertNoCandidates    = "no_candidates"
)

// Event is what the broadcaster fans out to subscribers.
type Event struct {
	ID             string        `json:"id"`
	Kind           EventKind     `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Action         string        `json:"action,omitempty"`
	Alert          string        `json:"alert,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Presence       *Presence     `json:"presence,omitempty"`
	Time           time.Time     `json:"time"`
}

// Publisher fans events out without blocking the caller.
type Publisher interface {
	Publish(evt Event)
}

// EventSink forwards events to an external system (message broker).
type EventSink interface {
	Emit(ctx context.Context, evt Event) error
}
