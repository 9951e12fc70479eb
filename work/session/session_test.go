package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stalker-proxy/work/store"
	"stalker-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePortal struct {
	calls atomic.Int32
	delay time.Duration
	fail  map[string]bool
}

func (f *fakePortal) BaseHeaders(p types.Provider, device string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", "test")
	if device != "" {
		h.Set("Cookie", "mac="+device)
	}
	return h
}

func (f *fakePortal) Handshake(ctx context.Context, p types.Provider, device string) (string, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail[device] {
		return "", &types.AuthError{Credential: types.Credential{Endpoint: p.Endpoint, Device: device}, Reason: "rejected"}
	}
	return "tok-" + device + "-" + string(rune('0'+n)), nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func fixture(portal *fakePortal) (*Manager, *clock, types.Provider) {
	p := types.Provider{Name: "p", Endpoint: "http://portal/c", Devices: []string{"A", "B"}}
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return NewWithClock(portal, store.New([]types.Provider{p}), 10*time.Minute, c.Now), c, p
}

func TestHeaders_reusesValidSession(t *testing.T) {
	portal := &fakePortal{}
	m, c, p := fixture(portal)
	cred := types.Credential{Endpoint: p.Endpoint, Device: "A"}

	h1, err := m.Headers(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-A-1", h1.Get("Authorization"))
	assert.Equal(t, "mac=A", h1.Get("Cookie"))

	c.Advance(9 * time.Minute)
	h2, err := m.Headers(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.EqualValues(t, 1, portal.calls.Load())
}

func TestHeaders_expiredSessionReauthenticatesOnce(t *testing.T) {
	portal := &fakePortal{}
	m, c, p := fixture(portal)
	cred := types.Credential{Endpoint: p.Endpoint, Device: "A"}

	_, err := m.Headers(context.Background(), cred)
	require.NoError(t, err)

	c.Advance(10 * time.Minute)
	h, err := m.Headers(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-A-2", h.Get("Authorization"))

	_, err = m.Headers(context.Background(), cred)
	require.NoError(t, err)
	assert.EqualValues(t, 2, portal.calls.Load())
}

func TestHeaders_concurrentCallersShareOneHandshake(t *testing.T) {
	portal := &fakePortal{delay: 50 * time.Millisecond}
	m, _, p := fixture(portal)
	cred := types.Credential{Endpoint: p.Endpoint, Device: "B"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Headers(context.Background(), cred)
			assert.NoError(t, err)
			assert.Equal(t, "Bearer tok-B-1", h.Get("Authorization"))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, portal.calls.Load())
}

func TestHeaders_invalidateForcesHandshake(t *testing.T) {
	portal := &fakePortal{}
	m, _, p := fixture(portal)
	cred := types.Credential{Endpoint: p.Endpoint, Device: "A"}

	_, err := m.Headers(context.Background(), cred)
	require.NoError(t, err)
	require.Len(t, m.Sessions(), 1)

	m.Invalidate(cred)
	assert.Empty(t, m.Sessions())

	_, err = m.Headers(context.Background(), cred)
	require.NoError(t, err)
	assert.EqualValues(t, 2, portal.calls.Load())
}

func TestHeaders_errors(t *testing.T) {
	portal := &fakePortal{fail: map[string]bool{"A": true}}
	m, _, p := fixture(portal)

	_, err := m.Headers(context.Background(), types.Credential{Endpoint: p.Endpoint, Device: "A"})
	var authErr *types.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "A", authErr.Credential.Device)

	_, err = m.Headers(context.Background(), types.Credential{Endpoint: p.Endpoint, Device: "Z"})
	require.True(t, errors.As(err, &authErr))

	_, err = m.Headers(context.Background(), types.Credential{Endpoint: "http://other", Device: "A"})
	require.True(t, errors.As(err, &authErr))
	assert.Empty(t, m.Sessions())
}

func TestHeaders_directProviderSkipsHandshake(t *testing.T) {
	portal := &fakePortal{}
	p := types.Provider{Name: "d", Endpoint: "http://direct/c", Direct: true}
	m := New(portal, store.New([]types.Provider{p}), time.Minute)

	h, err := m.Headers(context.Background(), types.Credential{Endpoint: p.Endpoint})
	require.NoError(t, err)
	assert.Empty(t, h.Get("Authorization"))
	assert.EqualValues(t, 0, portal.calls.Load())
}

func TestHeaders_cancelledCallerDoesNotFailWaiters(t *testing.T) {
	portal := &fakePortal{delay: 100 * time.Millisecond}
	m, _, p := fixture(portal)
	cred := types.Credential{Endpoint: p.Endpoint, Device: "A"}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.Headers(leaderCtx, cred)
		leaderErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	followerDone := make(chan http.Header, 1)
	go func() {
		h, err := m.Headers(context.Background(), cred)
		assert.NoError(t, err)
		followerDone <- h
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-leaderErr
	assert.ErrorIs(t, err, context.Canceled)
	var authErr *types.AuthError
	assert.False(t, errors.As(err, &authErr))

	h := <-followerDone
	assert.Equal(t, "Bearer tok-A-1", h.Get("Authorization"))
	assert.EqualValues(t, 1, portal.calls.Load())
	assert.Len(t, m.Sessions(), 1)
}
