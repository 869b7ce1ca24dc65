package assignment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"omnirouter/internal/config"
)

type staticPresence map[string]bool

func (s staticPresence) IsEligible(id string) bool { return s[id] }

func TestRoundRobinCycle(t *testing.T) {
	members := []string{"a", "b", "c", "d"}
	p := NewPolicy(staticPresence{"a": true, "b": true, "c": true, "d": true}, nil)

	counts := map[string]int{}
	for i := 0; i < len(members); i++ {
		id, ok := p.Pick(PickInput{QueueID: "q", Members: members, Strategy: config.StrategyRoundRobin})
		assert.True(t, ok)
		counts[id]++
	}
	for _, m := range members {
		assert.Equal(t, 1, counts[m], "advisor %s", m)
	}

	// wraps back to the first member
	id, _ := p.Pick(PickInput{QueueID: "q", Members: members, Strategy: config.StrategyRoundRobin})
	assert.Equal(t, "a", id)
}

func TestRoundRobinSkipsIneligibleAndExcluded(t *testing.T) {
	members := []string{"a", "b", "c"}
	p := NewPolicy(staticPresence{"a": true, "b": false, "c": true}, nil)

	in := PickInput{QueueID: "q", Members: members}
	id, _ := p.Pick(in)
	assert.Equal(t, "a", id)
	id, _ = p.Pick(in)
	assert.Equal(t, "c", id)

	in.Exclude = []string{"a"}
	id, _ = p.Pick(in)
	assert.Equal(t, "c", id)

	in.Exclude = []string{"a", "c"}
	_, ok := p.Pick(in)
	assert.False(t, ok)
	assert.Equal(t, "c", p.Cursor("q"))
}

func TestCursorsArePerQueue(t *testing.T) {
	p := NewPolicy(staticPresence{"a": true, "b": true}, nil)
	members := []string{"a", "b"}

	x, _ := p.Pick(PickInput{QueueID: "x", Members: members})
	y, _ := p.Pick(PickInput{QueueID: "y", Members: members})
	assert.Equal(t, "a", x)
	assert.Equal(t, "a", y)
}

func TestLeastBusyTieBreaksByRotation(t *testing.T) {
	p := NewPolicy(staticPresence{"a": true, "b": true, "c": true}, nil)
	in := PickInput{
		QueueID:  "q",
		Members:  []string{"a", "b", "c"},
		Strategy: config.StrategyLeastBusy,
		Load:     map[string]int{"a": 2, "b": 1, "c": 1},
	}

	id, _ := p.Pick(in)
	assert.Equal(t, "b", id)
	// b and c tie; rotation now starts after b
	in.Load["b"] = 1
	id, _ = p.Pick(in)
	assert.Equal(t, "c", id)

	in.Load = map[string]int{"a": 0, "b": 5, "c": 5}
	id, _ = p.Pick(in)
	assert.Equal(t, "a", id)
}

func TestRandomIsSeedable(t *testing.T) {
	presence := staticPresence{"a": true, "b": true, "c": true, "d": true}
	in := PickInput{QueueID: "q", Members: []string{"a", "b", "c", "d"}, Strategy: config.StrategyRandom}

	run := func() []string {
		p := NewPolicy(presence, rand.New(rand.NewSource(42)))
		var out []string
		for i := 0; i < 8; i++ {
			id, ok := p.Pick(in)
			assert.True(t, ok)
			out = append(out, id)
		}
		return out
	}
	assert.Equal(t, run(), run())
}
