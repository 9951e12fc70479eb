package affinity

import (
	"time"

	"stalker-proxy/work/types"

	"github.com/maypok86/otter/v2"
)

// maxEntries bounds the tracker; the least valuable hints are evicted beyond it.
const maxEntries = 100_000

type entry struct {
	credential types.Credential
	lastUsed   time.Time
}

// Tracker remembers which credential last served a client on a provider. The
// remembered credential is a hint only: it may have been rejected since.
type Tracker struct {
	cache *otter.Cache[string, entry]
	ttl   time.Duration
	now   func() time.Time
}

// New returns a tracker whose hints expire ttl after they were last set.
func New(ttl time.Duration) *Tracker {
	return NewWithClock(ttl, time.Now)
}

// NewWithClock is New with an explicit time source for the idle check.
func NewWithClock(ttl time.Duration, now func() time.Time) *Tracker {
	return &Tracker{
		cache: otter.Must(&otter.Options[string, entry]{
			MaximumSize:      maxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, entry](ttl),
		}),
		ttl: ttl,
		now: now,
	}
}

func key(clientID, endpoint string) string {
	return clientID + "|" + endpoint
}

// Get returns the credential last recorded for clientID on provider endpoint, if it was
// recorded less than the TTL ago.
func (t *Tracker) Get(clientID, endpoint string) (types.Credential, bool) {
	k := key(clientID, endpoint)
	e, ok := t.cache.GetIfPresent(k)
	if !ok {
		return types.Credential{}, false
	}
	if t.now().Sub(e.lastUsed) >= t.ttl {
		t.cache.Invalidate(k)
		return types.Credential{}, false
	}
	return e.credential, true
}

// Set records cred as the credential serving clientID on its provider.
func (t *Tracker) Set(clientID string, cred types.Credential) {
	t.cache.Set(key(clientID, cred.Endpoint), entry{credential: cred, lastUsed: t.now()})
}

// Forget drops the hint for clientID on provider endpoint.
func (t *Tracker) Forget(clientID, endpoint string) {
	t.cache.Invalidate(key(clientID, endpoint))
}
