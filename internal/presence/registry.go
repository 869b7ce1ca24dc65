// Package presence tracks which advisors are online and whether they accept
// new conversations. Online-ness is derived from heartbeat recency.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnirouter/internal/clock"
	"omnirouter/internal/domain"
)

// DefaultStatus is assumed for advisors that never reported a status.
var DefaultStatus = domain.PresenceStatus{Name: "available", Action: domain.PresenceActionAccept}

type entry struct {
	online   bool
	status   domain.PresenceStatus
	lastSeen time.Time
}

// Registry is safe for concurrent use. Readers may observe slightly stale
// presence; assignment tolerates that.
type Registry struct {
	mu      sync.RWMutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]*entry
	pub     domain.Publisher
	logger  *slog.Logger
}

func NewRegistry(c clock.Clock, ttl time.Duration, pub domain.Publisher, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Registry{
		clock:   c,
		ttl:     ttl,
		entries: make(map[string]*entry),
		pub:     pub,
		logger:  logger,
	}
}

// Report records an explicit presence report. A zero status keeps the last
// known one.
func (r *Registry) Report(userID string, online bool, status domain.PresenceStatus) domain.Presence {
	now := r.clock.Now()

	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{status: DefaultStatus}
		r.entries[userID] = e
	}
	before := r.viewLocked(userID, e, now)
	e.online = online
	if status.Name != "" || status.Action != "" {
		e.status = status
	}
	e.lastSeen = now
	after := r.viewLocked(userID, e, now)
	r.mu.Unlock()

	if !ok || before.IsOnline != after.IsOnline || before.Status != after.Status {
		r.publish(after)
	}
	return after
}

// Heartbeat refreshes recency for an advisor, bringing them online.
func (r *Registry) Heartbeat(userID string) domain.Presence {
	return r.Report(userID, true, domain.PresenceStatus{})
}

// Get returns the current presence; unknown advisors are offline.
func (r *Registry) Get(userID string) domain.Presence {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return domain.Presence{UserID: userID}
	}
	return r.viewLocked(userID, e, now)
}

func (r *Registry) IsOnline(userID string) bool {
	return r.Get(userID).IsOnline
}

// IsEligible reports online && status accepts new assignments.
func (r *Registry) IsEligible(userID string) bool {
	return r.Get(userID).Eligible()
}

// Snapshot returns all known advisors ordered by id.
func (r *Registry) Snapshot() []domain.Presence {
	now := r.clock.Now()
	r.mu.RLock()
	out := make([]domain.Presence, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, r.viewLocked(id, e, now))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sweep flips advisors whose heartbeat expired to offline and announces it.
func (r *Registry) Sweep() int {
	now := r.clock.Now()
	var expired []domain.Presence

	r.mu.Lock()
	for id, e := range r.entries {
		if e.online && now.Sub(e.lastSeen) > r.ttl {
			e.online = false
			expired = append(expired, r.viewLocked(id, e, now))
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		r.logger.Info("advisor presence expired", slog.String("user_id", p.UserID))
		r.publish(p)
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	var schedule func()
	schedule = func() {
		r.clock.AfterFunc(interval, func() {
			if ctx.Err() != nil {
				return
			}
			r.Sweep()
			schedule()
		})
	}
	schedule()
}

func (r *Registry) viewLocked(id string, e *entry, now time.Time) domain.Presence {
	return domain.Presence{
		UserID:   id,
		IsOnline: e.online && now.Sub(e.lastSeen) <= r.ttl,
		Status:   e.status,
		LastSeen: e.lastSeen,
	}
}

func (r *Registry) publish(p domain.Presence) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(domain.Event{
		ID:       uuid.NewString(),
		Kind:     domain.EventPresenceUpdate,
		UserID:   p.UserID,
		Presence: &p,
		Time:     r.clock.Now(),
	})
}
