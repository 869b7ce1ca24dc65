package domain

import "time"

// BounceToken identifies an armed accept deadline. The handler re-validates
// it against the current conversation before acting, so a token that fires
// after the conversation moved on is a no-op.
type BounceToken struct {
	ConversationID string
	Expected       Target
	Status         ConversationStatus
	Attempt        int
	ArmedAt        time.Time
	Deadline       time.Time
}

// Matches reports whether c is still in the state the token was armed for.
func (t BounceToken) Matches(c *Conversation) bool {
	return c != nil &&
		c.ID == t.ConversationID &&
		c.Status == t.Status &&
		t.Expected.Equal(c.AssignedTo) &&
		c.BounceCount == t.Attempt
}
