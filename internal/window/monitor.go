// Package window scans open conversations for clients that have been silent
// past the messaging window and asks the lifecycle controller to post the
// compliance notice.
package window

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
)

// Warner appends the compliance notice; it must be idempotent per window.
type Warner interface {
	WarnWindowExpired(ctx context.Context, convID string, threshold time.Duration) (bool, error)
}

// ScanResult summarizes one pass.
type ScanResult struct {
	Checked int
	Warned  int
	Failed  int
}

type Monitor struct {
	store   domain.ConversationRepository
	warner  Warner
	routing config.RoutingSource
	clock   clock.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	timer clock.Timer
}

func NewMonitor(store domain.ConversationRepository, warner Warner, routing config.RoutingSource, c clock.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{store: store, warner: warner, routing: routing, clock: c, logger: logger}
}

// Scan runs one pass. A failing conversation is logged and skipped.
func (m *Monitor) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	threshold := m.routing.Current().Window.Threshold()

	convs, err := m.store.List(ctx, domain.ConversationFilter{
		Statuses: []domain.ConversationStatus{domain.StatusQueued, domain.StatusAttending},
	})
	if err != nil {
		return res, err
	}
	now := m.clock.Now()
	for _, c := range convs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if now.Sub(c.LastClientMessageAt) <= threshold {
			continue
		}
		if c.WindowWarnedAt != nil && c.WindowWarnedAt.After(c.LastClientMessageAt) {
			continue
		}
		res.Checked++
		warned, err := m.warner.WarnWindowExpired(ctx, c.ID, threshold)
		if err != nil {
			res.Failed++
			m.logger.Error("window check failed",
				slog.String("conversation_id", c.ID),
				slog.Any("error", err),
			)
			continue
		}
		if warned {
			res.Warned++
		}
	}
	if res.Warned > 0 || res.Failed > 0 {
		m.logger.Info("window scan finished",
			slog.Int("checked", res.Checked),
			slog.Int("warned", res.Warned),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// Start scans immediately, then again after every poll interval. The
// interval is re-read from the routing settings before each wait.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.tick(ctx)
		<-ctx.Done()
		m.Stop()
	}()
}

func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("window scan failed", slog.Any("error", err))
	}
	m.schedule(ctx)
}

func (m *Monitor) schedule(ctx context.Context) {
	interval := m.routing.Current().Window.PollInterval()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	m.timer = m.clock.AfterFunc(interval, func() { m.tick(ctx) })
}

// Stop cancels the next scheduled pass.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
