package domain

import (
	"fmt"
	"strings"
)

// TargetKind discriminates the owner of a conversation.
type TargetKind string

const (
	TargetAdvisor TargetKind = "advisor"
	TargetBot     TargetKind = "bot"
	TargetQueue   TargetKind = "queue"
)

// Target is an assignment or transfer target: an advisor, a bot or a queue.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func Advisor(id string) *Target { return &Target{Kind: TargetAdvisor, ID: id} }
func Bot(id string) *Target     { return &Target{Kind: TargetBot, ID: id} }
func QueueTarget(id string) *Target {
	return &Target{Kind: TargetQueue, ID: id}
}

func (t *Target) Clone() *Target {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Equal compares two possibly-nil targets.
func (t *Target) Equal(o *Target) bool {
	if t == nil || o == nil {
		return t == nil && o == nil
	}
	return t.Kind == o.Kind && t.ID == o.ID
}

// String renders "kind:id"; used for persistence and logs only, never to
// decide the kind.
func (t *Target) String() string {
	if t == nil {
		return ""
	}
	return string(t.Kind) + ":" + t.ID
}

// Validate checks that the kind is known and the id is set.
func (t *Target) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	switch t.Kind {
	case TargetAdvisor, TargetBot, TargetQueue:
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidInput, t.Kind)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	return nil
}

// ParseTarget decodes the stored "kind:id" form.
func ParseTarget(s string) (*Target, error) {
	if s == "" {
		return nil, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed target %q", ErrInvalidInput, s)
	}
	t := &Target{Kind: TargetKind(kind), ID: id}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
