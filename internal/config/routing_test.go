package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnirouter/internal/observability"
)

const sampleRouting = `
auto_assign = false
default_queue = general

[bounce]
enabled = true
bounce_time_minutes = 1
max_bounces = 2
strategy = least-busy

[window]
inactivity_hours = 24
poll_interval_ms = 60000

[queue.general]
name = General
members = adv-a, adv-b

[queue.vip]
members = adv-c
strategy = random
`

func TestParseRouting(t *testing.T) {
	s, err := ParseRouting([]byte(sampleRouting))
	require.NoError(t, err)

	assert.False(t, s.AutoAssign)
	assert.Equal(t, "general", s.DefaultQueue)
	assert.True(t, s.Bounce.Enabled)
	assert.Equal(t, time.Minute, s.Bounce.BounceTime())
	assert.Equal(t, 2, s.Bounce.MaxBounces)
	assert.Equal(t, StrategyLeastBusy, s.Bounce.Strategy)
	assert.Equal(t, 24*time.Hour, s.Window.Threshold())
	assert.Equal(t, time.Minute, s.Window.PollInterval())

	require.Len(t, s.Queues, 2)
	assert.Equal(t, QueueConfig{ID: "general", Name: "General", Members: []string{"adv-a", "adv-b"}}, s.Queues[0])
	assert.Equal(t, "vip", s.Queues[1].Name)
	assert.Equal(t, StrategyRandom, s.Queues[1].Strategy)
}

func TestParseRoutingDefaultsAndValidation(t *testing.T) {
	s, err := ParseRouting([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultRoutingSettings(), s)

	_, err = ParseRouting([]byte("[bounce]\nstrategy = fastest\n"))
	assert.Error(t, err)

	_, err = ParseRouting([]byte("[window]\ninactivity_hours = 0\n"))
	assert.Error(t, err)
}

func TestRoutingUpdateIsCopyOnWrite(t *testing.T) {
	r := NewRouting(DefaultRoutingSettings())
	before := r.Current()

	r.Update(func(s *RoutingSettings) { s.Bounce.MaxBounces = 9 })

	assert.Equal(t, 3, before.Bounce.MaxBounces)
	assert.Equal(t, 9, r.Current().Bounce.MaxBounces)
}

func TestWatcherLoadKeepsLastGoodSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleRouting), 0o644))

	r := NewRouting(DefaultRoutingSettings())
	w := NewWatcher(path, r, time.Second, observability.Discard())

	var seen []RoutingSettings
	w.OnChange(func(s RoutingSettings) { seen = append(seen, s) })

	require.NoError(t, w.Load())
	assert.Equal(t, 2, r.Current().Bounce.MaxBounces)
	assert.Len(t, seen, 1)

	require.NoError(t, os.WriteFile(path, []byte("[bounce]\nstrategy = nope\n"), 0o644))
	assert.Error(t, w.Load())
	assert.Equal(t, 2, r.Current().Bounce.MaxBounces)
	assert.Len(t, seen, 1)
}

func TestWatcherMissingFileUsesDefaults(t *testing.T) {
	r := NewRouting(DefaultRoutingSettings())
	w := NewWatcher(filepath.Join(t.TempDir(), "absent.ini"), r, time.Second, observability.Discard())
	require.NoError(t, w.Load())
	assert.Equal(t, DefaultRoutingSettings(), r.Current())
}
