package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a routing INI file into a Routing holder whenever the file
// changes. fsnotify drives reloads; a slow poll covers filesystems where
// notifications are unreliable.
type Watcher struct {
	path     string
	routing  *Routing
	poll     time.Duration
	logger   *slog.Logger
	mu       sync.Mutex
	modTime  time.Time
	onChange []func(RoutingSettings)
}

func NewWatcher(path string, routing *Routing, poll time.Duration, logger *slog.Logger) *Watcher {
	if poll <= 0 {
		poll = time.Minute
	}
	return &Watcher{path: path, routing: routing, poll: poll, logger: logger}
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(RoutingSettings)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Load reads the file once. A missing file keeps the current settings.
func (w *Watcher) Load() error {
	info, err := os.Stat(w.path)
	if os.IsNotExist(err) {
		w.logger.Warn("routing config not found, using defaults", slog.String("path", w.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat routing config: %w", err)
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read routing config: %w", err)
	}
	settings, err := ParseRouting(data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.modTime = info.ModTime()
	callbacks := append([]func(RoutingSettings){}, w.onChange...)
	w.mu.Unlock()

	w.routing.Store(settings)
	w.logger.Info("routing config loaded",
		slog.String("path", w.path),
		slog.Bool("bounce_enabled", settings.Bounce.Enabled),
		slog.Int("bounce_time_minutes", settings.Bounce.BounceTimeMinutes),
		slog.Int("max_bounces", settings.Bounce.MaxBounces),
		slog.String("strategy", settings.Bounce.Strategy),
		slog.Int("queues", len(settings.Queues)),
	)
	for _, fn := range callbacks {
		fn(settings)
	}
	return nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling routing config", slog.Any("error", err))
		w.pollLoop(ctx, ticker)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("cannot watch routing config dir, polling", slog.Any("error", err))
		w.pollLoop(ctx, ticker)
		return
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				w.pollLoop(ctx, ticker)
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				w.pollLoop(ctx, ticker)
				return
			}
			w.logger.Warn("routing config watch error", slog.Any("error", err))
		case <-ticker.C:
			w.reloadIfModified()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reloadIfModified()
		}
	}
}

func (w *Watcher) reloadIfModified() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	changed := !info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if changed {
		w.reload()
	}
}

func (w *Watcher) reload() {
	if err := w.Load(); err != nil {
		// keep serving the last good settings
		w.logger.Error("routing config reload failed", slog.Any("error", err))
	}
}
