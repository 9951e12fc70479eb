package cooldown

import (
	"testing"
	"time"

	"stalker-proxy/work/types"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTracker_expires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := NewWithClock(clock.Now)
	a := types.Credential{Endpoint: "http://p/c", Device: "A"}
	b := types.Credential{Endpoint: "http://p/c", Device: "B"}

	tr.Put(a, time.Minute)
	assert.True(t, tr.Active(a))
	assert.False(t, tr.Active(b))
	assert.Equal(t, time.Minute, tr.Remaining(a))
	assert.Equal(t, []types.Credential{b}, tr.Filter([]types.Credential{a, b}))

	clock.Advance(59 * time.Second)
	assert.True(t, tr.Active(a))

	clock.Advance(time.Second)
	assert.False(t, tr.Active(a))
	assert.Equal(t, []types.Credential{a, b}, tr.Filter([]types.Credential{a, b}))
}

func TestTracker_keepsLongerCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := NewWithClock(clock.Now)
	a := types.Credential{Endpoint: "http://p/c", Device: "A"}

	tr.Put(a, 10*time.Minute)
	tr.Put(a, time.Minute)
	assert.Equal(t, 10*time.Minute, tr.Remaining(a))

	tr.Clear(a)
	assert.False(t, tr.Active(a))
}

func TestTracker_ignoresNonPositive(t *testing.T) {
	tr := New()
	a := types.Credential{Endpoint: "http://p/c", Device: "A"}
	tr.Put(a, 0)
	assert.False(t, tr.Active(a))
}
