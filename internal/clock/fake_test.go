package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Minute, func() {
		fired = append(fired, "a")
		assert.Equal(t, start.Add(time.Minute), c.Now())
	})
	stopped := c.AfterFunc(90*time.Second, func() { fired = append(fired, "x") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(2 * time.Minute)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, start.Add(2*time.Minute), c.Now())
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Minute, tick)
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(time.Minute)
	assert.Equal(t, 1, count)
	c.Advance(3 * time.Minute)
	assert.Equal(t, 4, count)
	assert.Equal(t, 1, c.Pending())
}
