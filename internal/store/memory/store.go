// Package memory is an in-process Conversation Store used for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"omnirouter/internal/domain"
)

type Store struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	order         []string
	messages      map[string][]*domain.Message
	byID          map[string]*domain.Message
	byExternal    map[string]*domain.Message
	queues        map[string]*domain.Queue
	fault         func(op string) error
}

var _ domain.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.Message),
		byID:          make(map[string]*domain.Message),
		byExternal:    make(map[string]*domain.Message),
		queues:        make(map[string]*domain.Queue),
	}
}

// SetFault installs a hook that can fail write operations; used to exercise
// store outages.
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) Close() error { return nil }

func (s *Store) checkFaultLocked(op string) error {
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, c *domain.Conversation, msgs ...*domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFaultLocked("create conversation"); err != nil {
		return err
	}
	if _, exists := s.conversations[c.ID]; exists {
		return fmt.Errorf("%w: conversation %s already exists", domain.ErrInvalidInput, c.ID)
	}
	c.Version = 1
	s.conversations[c.ID] = c.Clone()
	s.order = append(s.order, c.ID)
	s.appendLocked(msgs)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) FindOpenByPhone(ctx context.Context, phone string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		c := s.conversations[s.order[i]]
		if c.Phone == phone && c.Status.IsOpen() {
			return c.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) List(ctx context.Context, f domain.ConversationFilter) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*domain.Conversation
	for _, id := range s.order {
		c := s.conversations[id]
		if !matches(c, f) {
			continue
		}
		res = append(res, c.Clone())
		if f.Limit > 0 && len(res) >= f.Limit {
			break
		}
	}
	return res, nil
}

func matches(c *domain.Conversation, f domain.ConversationFilter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if c.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AssignedTo != nil && !f.AssignedTo.Equal(c.AssignedTo) {
		return false
	}
	if f.QueueID != "" && (c.QueueID == nil || *c.QueueID != f.QueueID) {
		return false
	}
	if f.Phone != "" && c.Phone != f.Phone {
		return false
	}
	return true
}

func (s *Store) CountAttendingByAdvisor(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make(map[string]int)
	for _, c := range s.conversations {
		if c.Status == domain.StatusAttending {
			if id := c.AssignedAdvisor(); id != "" {
				res[id]++
			}
		}
	}
	return res, nil
}

func (s *Store) Save(ctx context.Context, c *domain.Conversation, appended ...*domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFaultLocked("save conversation"); err != nil {
		return err
	}
	cur, ok := s.conversations[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != c.Version {
		return domain.ErrRaceLost
	}
	c.Version++
	s.conversations[c.ID] = c.Clone()
	s.appendLocked(appended)
	return nil
}

func (s *Store) appendLocked(msgs []*domain.Message) {
	for _, m := range msgs {
		cp := *m
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
		s.byID[m.ID] = &cp
		if m.ExternalID != nil && *m.ExternalID != "" {
			s.byExternal[*m.ExternalID] = &cp
		}
	}
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byExternal[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListForConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.messages[conversationID]
	res := make([]*domain.Message, 0, len(src))
	for _, m := range src {
		cp := *m
		res = append(res, &cp)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].Seq < res[j].Seq
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[len(res)-limit:]
	}
	return res, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, externalID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFaultLocked("update message status"); err != nil {
		return err
	}
	m, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = status
	if externalID != nil && *externalID != "" {
		ext := *externalID
		m.ExternalID = &ext
		s.byExternal[ext] = m
	}
	return nil
}

func (s *Store) HasMarkerSince(ctx context.Context, conversationID, marker string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages[conversationID] {
		if m.Marker != nil && *m.Marker == marker && m.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *q
	cp.Members = append([]string(nil), q.Members...)
	return &cp, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		cp := *q
		cp.Members = append([]string(nil), q.Members...)
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *Store) UpsertQueue(ctx context.Context, q *domain.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *q
	cp.Members = append([]string(nil), q.Members...)
	s.queues[q.ID] = &cp
	return nil
}

func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.queues, id)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}
