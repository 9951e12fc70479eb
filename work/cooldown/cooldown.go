package cooldown

import (
	"time"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// Tracker remembers credentials that upstream asked us to back off from. Entries are
// dropped lazily the first time they are looked at after expiry.
type Tracker struct {
	until *xsync.MapOf[string, time.Time]
	now   func() time.Time
}

// New returns an empty tracker using the wall clock.
func New() *Tracker {
	return NewWithClock(time.Now)
}

// NewWithClock returns a tracker reading time from now.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		until: xsync.NewMapOf[string, time.Time](),
		now:   now,
	}
}

// Put excludes cred for d. An existing longer cooldown is kept.
func (t *Tracker) Put(cred types.Credential, d time.Duration) {
	if d <= 0 {
		return
	}
	expiry := t.now().Add(d)
	t.until.Compute(cred.Key(), func(old time.Time, loaded bool) (time.Time, bool) {
		if loaded && old.After(expiry) {
			return old, false
		}
		return expiry, false
	})
	logger.Debug("{cooldown/cooldown - Put} %s cooling down until %s", cred, expiry.Format(time.RFC3339))
}

// Active reports whether cred is still cooling down.
func (t *Tracker) Active(cred types.Credential) bool {
	return t.Remaining(cred) > 0
}

// Remaining returns how long cred stays excluded, 0 when it is eligible.
func (t *Tracker) Remaining(cred types.Credential) time.Duration {
	key := cred.Key()
	expiry, ok := t.until.Load(key)
	if !ok {
		return 0
	}
	left := expiry.Sub(t.now())
	if left <= 0 {
		t.until.Delete(key)
		return 0
	}
	return left
}

// Clear lifts the cooldown on cred.
func (t *Tracker) Clear(cred types.Credential) {
	t.until.Delete(cred.Key())
}

// Filter returns the credentials of creds that are not cooling down, preserving order.
func (t *Tracker) Filter(creds []types.Credential) []types.Credential {
	out := make([]types.Credential, 0, len(creds))
	for _, c := range creds {
		if !t.Active(c) {
			out = append(out, c)
		}
	}
	return out
}
