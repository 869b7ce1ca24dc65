package ws

import (
	"sync"
	"sync/atomic"

	"omnirouter/internal/domain"
)

const defaultBuffer = 256

// Subscription is one subscriber's ordered event stream. C is closed on
// Unsubscribe.
type Subscription struct {
	ClientID string
	UserID   string
	C        <-chan domain.Event
	ch       chan domain.Event
	dropped  atomic.Int64
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub is the event broadcaster. Subscribers are keyed by client id; a user
// may hold several clients. Publish never blocks: each subscriber has a
// FIFO buffer and a full buffer drops the event for that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	users  map[string]map[string]struct{}
	buffer int
}

var _ domain.Publisher = (*Hub)(nil)

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		users:  make(map[string]map[string]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers clientID, replacing an earlier subscription with the
// same id.
func (h *Hub) Subscribe(clientID, userID string) *Subscription {
	ch := make(chan domain.Event, h.buffer)
	sub := &Subscription{ClientID: clientID, UserID: userID, C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.subs[clientID]; ok {
		h.removeLocked(prev)
	}
	h.subs[clientID] = sub
	if userID != "" {
		if h.users[userID] == nil {
			h.users[userID] = make(map[string]struct{})
		}
		h.users[userID][clientID] = struct{}{}
	}
	return sub
}

// Unsubscribe removes the client and returns how many clients the same user
// still has connected.
func (h *Hub) Unsubscribe(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[clientID]
	if !ok {
		return 0
	}
	h.removeLocked(sub)
	return len(h.users[sub.UserID])
}

func (h *Hub) removeLocked(sub *Subscription) {
	delete(h.subs, sub.ClientID)
	if clients, ok := h.users[sub.UserID]; ok {
		delete(clients, sub.ClientID)
		if len(clients) == 0 {
			delete(h.users, sub.UserID)
		}
	}
	close(sub.ch)
}

// Publish delivers evt to every current subscriber.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Len is the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ConnectedUsers lists users with at least one client.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	for id := range h.users {
		out = append(out, id)
	}
	return out
}
