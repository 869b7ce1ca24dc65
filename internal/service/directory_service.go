package service

import (
	"context"
	"fmt"
	"sort"

	"omnirouter/internal/domain"
)

// PresenceView is the read side of the presence registry.
type PresenceView interface {
	Get(userID string) domain.Presence
	Snapshot() []domain.Presence
}

// DirectoryService answers the advisor UI's read queries. Writes go through
// the lifecycle controller.
type DirectoryService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	queues        domain.QueueRepository
	presence      PresenceView
}

func NewDirectoryService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	queues domain.QueueRepository,
	presence PresenceView,
) *DirectoryService {
	return &DirectoryService{
		conversations: conversations,
		messages:      messages,
		queues:        queues,
		presence:      presence,
	}
}

type ListInput struct {
	AdvisorID string
	QueueID   string
	Statuses  []domain.ConversationStatus
	Limit     int
}

func (s *DirectoryService) ListConversations(ctx context.Context, in ListInput) ([]*domain.Conversation, error) {
	f := domain.ConversationFilter{
		Statuses: in.Statuses,
		QueueID:  in.QueueID,
		Limit:    in.Limit,
	}
	if in.AdvisorID != "" {
		f.AssignedTo = domain.Advisor(in.AdvisorID)
	}
	return s.conversations.List(ctx, f)
}

// Inbox lists what an advisor should see: open conversations they own plus
// unassigned queued ones in the queues they belong to, oldest first.
func (s *DirectoryService) Inbox(ctx context.Context, advisorID string) ([]*domain.Conversation, error) {
	open := []domain.ConversationStatus{domain.StatusQueued, domain.StatusAttending}
	mine, err := s.conversations.List(ctx, domain.ConversationFilter{Statuses: open, AssignedTo: domain.Advisor(advisorID)})
	if err != nil {
		return nil, fmt.Errorf("list assigned: %w", err)
	}

	queues, err := s.queues.ListQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	res := mine
	for _, q := range queues {
		if !q.HasMember(advisorID) {
			continue
		}
		waiting, err := s.conversations.List(ctx, domain.ConversationFilter{
			Statuses: []domain.ConversationStatus{domain.StatusQueued},
			QueueID:  q.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("list queue %s: %w", q.ID, err)
		}
		for _, c := range waiting {
			if c.AssignedTo == nil {
				res = append(res, c)
			}
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *DirectoryService) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.conversations.GetByID(ctx, id)
}

// Messages returns the latest limit messages of a conversation in order.
func (s *DirectoryService) Messages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	if _, err := s.conversations.GetByID(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.messages.ListForConversation(ctx, conversationID, limit)
}

func (s *DirectoryService) Queues(ctx context.Context) ([]*domain.Queue, error) {
	return s.queues.ListQueues(ctx)
}

// TransferCandidates lists the queue members who could take a conversation
// right now, excluding the caller. An empty list is a valid answer.
func (s *DirectoryService) TransferCandidates(ctx context.Context, queueID, excludeID string) ([]domain.Presence, error) {
	q, err := s.queues.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	res := []domain.Presence{}
	for _, member := range q.Members {
		if member == excludeID {
			continue
		}
		if p := s.presence.Get(member); p.Eligible() {
			res = append(res, p)
		}
	}
	return res, nil
}

func (s *DirectoryService) Presence() []domain.Presence {
	return s.presence.Snapshot()
}
