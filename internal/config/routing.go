package config

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/ini.v1"
)

// Assignment strategies.
const (
	StrategyRoundRobin = "round-robin"
	StrategyLeastBusy  = "least-busy"
	StrategyRandom     = "random"
)

// BounceConfig controls reassignment of unaccepted conversations.
type BounceConfig struct {
	Enabled           bool
	BounceTimeMinutes int
	MaxBounces        int
	Strategy          string
}

// BounceTime is the accept deadline for an assigned conversation.
func (b BounceConfig) BounceTime() time.Duration {
	return time.Duration(b.BounceTimeMinutes) * time.Minute
}

// WindowConfig controls the 24h messaging-window monitor.
type WindowConfig struct {
	InactivityHours int
	PollIntervalMs  int
}

func (w WindowConfig) Threshold() time.Duration {
	return time.Duration(w.InactivityHours) * time.Hour
}

func (w WindowConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// QueueConfig declares a queue and its members.
type QueueConfig struct {
	ID       string
	Name     string
	Members  []string
	Strategy string
}

// RoutingSettings is the hot-reloadable routing configuration. Values are
// immutable once published; consumers read Current() at decision time.
type RoutingSettings struct {
	Bounce       BounceConfig
	Window       WindowConfig
	AutoAssign   bool
	DefaultQueue string
	Queues       []QueueConfig
}

// DefaultRoutingSettings mirrors the documented defaults.
func DefaultRoutingSettings() RoutingSettings {
	return RoutingSettings{
		Bounce: BounceConfig{
			Enabled:           true,
			BounceTimeMinutes: 5,
			MaxBounces:        3,
			Strategy:          StrategyRoundRobin,
		},
		Window: WindowConfig{
			InactivityHours: 24,
			PollIntervalMs:  int(time.Hour / time.Millisecond),
		},
		AutoAssign: true,
	}
}

// Validate rejects values the engine cannot run with.
func (s RoutingSettings) Validate() error {
	switch s.Bounce.Strategy {
	case StrategyRoundRobin, StrategyLeastBusy, StrategyRandom:
	default:
		return fmt.Errorf("bounce.strategy: unknown strategy %q", s.Bounce.Strategy)
	}
	if s.Bounce.BounceTimeMinutes <= 0 {
		return fmt.Errorf("bounce.bounce_time_minutes must be positive")
	}
	if s.Bounce.MaxBounces < 0 {
		return fmt.Errorf("bounce.max_bounces must not be negative")
	}
	if s.Window.InactivityHours <= 0 {
		return fmt.Errorf("window.inactivity_hours must be positive")
	}
	if s.Window.PollIntervalMs <= 0 {
		return fmt.Errorf("window.poll_interval_ms must be positive")
	}
	for _, q := range s.Queues {
		if q.Strategy == "" {
			continue
		}
		switch q.Strategy {
		case StrategyRoundRobin, StrategyLeastBusy, StrategyRandom:
		default:
			return fmt.Errorf("queue.%s: unknown strategy %q", q.ID, q.Strategy)
		}
	}
	return nil
}

// ParseRouting reads settings from INI data. Missing keys keep defaults.
//
//	auto_assign = true
//	default_queue = general
//
//	[bounce]
//	enabled = true
//	bounce_time_minutes = 5
//	max_bounces = 3
//	strategy = round-robin
//
//	[window]
//	inactivity_hours = 24
//	poll_interval_ms = 3600000
//
//	[queue.general]
//	name = General
//	members = adv-1, adv-2
func ParseRouting(data []byte) (RoutingSettings, error) {
	s := DefaultRoutingSettings()
	f, err := ini.Load(data)
	if err != nil {
		return s, fmt.Errorf("parse routing config: %w", err)
	}

	root := f.Section(ini.DefaultSection)
	s.AutoAssign = root.Key("auto_assign").MustBool(s.AutoAssign)
	s.DefaultQueue = root.Key("default_queue").MustString(s.DefaultQueue)

	b := f.Section("bounce")
	s.Bounce.Enabled = b.Key("enabled").MustBool(s.Bounce.Enabled)
	s.Bounce.BounceTimeMinutes = b.Key("bounce_time_minutes").MustInt(s.Bounce.BounceTimeMinutes)
	s.Bounce.MaxBounces = b.Key("max_bounces").MustInt(s.Bounce.MaxBounces)
	s.Bounce.Strategy = strings.ToLower(b.Key("strategy").MustString(s.Bounce.Strategy))

	w := f.Section("window")
	s.Window.InactivityHours = w.Key("inactivity_hours").MustInt(s.Window.InactivityHours)
	s.Window.PollIntervalMs = w.Key("poll_interval_ms").MustInt(s.Window.PollIntervalMs)

	for _, sec := range f.Sections() {
		id, ok := strings.CutPrefix(sec.Name(), "queue.")
		if !ok || id == "" {
			continue
		}
		s.Queues = append(s.Queues, QueueConfig{
			ID:       id,
			Name:     sec.Key("name").MustString(id),
			Members:  sec.Key("members").Strings(","),
			Strategy: strings.ToLower(sec.Key("strategy").String()),
		})
	}
	sort.Slice(s.Queues, func(i, j int) bool { return s.Queues[i].ID < s.Queues[j].ID })

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// RoutingSource hands out the current settings snapshot.
type RoutingSource interface {
	Current() RoutingSettings
}

// Routing holds the live settings behind an atomic pointer.
type Routing struct {
	cur atomic.Pointer[RoutingSettings]
}

func NewRouting(initial RoutingSettings) *Routing {
	r := &Routing{}
	r.Store(initial)
	return r
}

func (r *Routing) Current() RoutingSettings {
	return *r.cur.Load()
}

func (r *Routing) Store(s RoutingSettings) {
	r.cur.Store(&s)
}

// Update applies fn to a copy of the current settings and publishes it.
func (r *Routing) Update(fn func(*RoutingSettings)) {
	s := r.Current()
	fn(&s)
	r.Store(s)
}
