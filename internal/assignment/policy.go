// Package assignment picks the advisor that should receive a queued
// conversation.
package assignment

import (
	"math/rand"
	"sync"

	"omnirouter/internal/config"
)

// Eligibility answers whether an advisor can take new conversations
// (online and in an accepting status).
type Eligibility interface {
	IsEligible(userID string) bool
}

// PickInput describes one assignment decision.
type PickInput struct {
	QueueID  string
	Members  []string
	Strategy string
	Exclude  []string
	// Load is the number of attending conversations per advisor; only
	// least-busy reads it.
	Load map[string]int
}

// Policy holds the per-queue rotation cursors. Each scenario or process owns
// its own instance.
type Policy struct {
	mu         sync.Mutex
	presence   Eligibility
	lastPicked map[string]string
	rnd        *rand.Rand
}

// NewPolicy builds a policy; rnd may be nil for a time-seeded source.
func NewPolicy(presence Eligibility, rnd *rand.Rand) *Policy {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Policy{
		presence:   presence,
		lastPicked: make(map[string]string),
		rnd:        rnd,
	}
}

// Pick returns the chosen advisor, or false when no member is eligible.
func (p *Policy) Pick(in PickInput) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order := p.rotationLocked(in)
	if len(order) == 0 {
		return "", false
	}

	var chosen string
	switch in.Strategy {
	case config.StrategyLeastBusy:
		chosen = order[0]
		for _, id := range order[1:] {
			if in.Load[id] < in.Load[chosen] {
				chosen = id
			}
		}
	case config.StrategyRandom:
		chosen = order[p.rnd.Intn(len(order))]
	default:
		chosen = order[0]
	}

	p.lastPicked[in.QueueID] = chosen
	return chosen, true
}

// Cursor returns the last advisor picked for a queue.
func (p *Policy) Cursor(queueID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPicked[queueID]
}

// rotationLocked lists eligible, non-excluded members starting right after
// the last pick and wrapping around.
func (p *Policy) rotationLocked(in PickInput) []string {
	n := len(in.Members)
	if n == 0 {
		return nil
	}
	excluded := make(map[string]struct{}, len(in.Exclude))
	for _, id := range in.Exclude {
		excluded[id] = struct{}{}
	}

	start := 0
	if last, ok := p.lastPicked[in.QueueID]; ok {
		for i, id := range in.Members {
			if id == last {
				start = i + 1
				break
			}
		}
	}

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := in.Members[(start+i)%n]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, skip := excluded[id]; skip {
			continue
		}
		if p.presence != nil && !p.presence.IsEligible(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
