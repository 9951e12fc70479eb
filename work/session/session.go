package session

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// Handshaker performs the portal handshake for one device.
type Handshaker interface {
	BaseHeaders(p types.Provider, device string) http.Header
	Handshake(ctx context.Context, p types.Provider, device string) (string, error)
}

// ProviderLookup resolves a provider by endpoint.
type ProviderLookup interface {
	Provider(endpoint string) (types.Provider, bool)
}

// Manager hands out request headers for credentials, authenticating on demand. It never
// substitutes one credential for another.
type Manager struct {
	portal    Handshaker
	providers ProviderLookup
	ttl       time.Duration
	now       func() time.Time

	sessions *xsync.MapOf[string, *types.Session]
	flights  singleflight.Group

	handshakeTimeout time.Duration
}

// DefaultHandshakeTimeout bounds one shared handshake.
const DefaultHandshakeTimeout = 30 * time.Second

// New returns a manager whose sessions live for ttl.
func New(portal Handshaker, providers ProviderLookup, ttl time.Duration) *Manager {
	return NewWithClock(portal, providers, ttl, time.Now)
}

// NewWithClock is New with an explicit time source.
func NewWithClock(portal Handshaker, providers ProviderLookup, ttl time.Duration, now func() time.Time) *Manager {
	return &Manager{
		portal:    portal,
		providers: providers,
		ttl:       ttl,
		now:       now,
		sessions:  xsync.NewMapOf[string, *types.Session](),

		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// SetHandshakeTimeout overrides DefaultHandshakeTimeout. Call it before first use.
func (m *Manager) SetHandshakeTimeout(d time.Duration) {
	if d > 0 {
		m.handshakeTimeout = d
	}
}

// Headers returns the header set to send upstream on behalf of cred. A valid session is
// reused; otherwise a handshake runs synchronously. Simultaneous callers for the same
// credential share one handshake. When ctx ends first, Headers returns ctx.Err() and the
// handshake still completes for the other callers.
func (m *Manager) Headers(ctx context.Context, cred types.Credential) (http.Header, error) {
	p, ok := m.providers.Provider(cred.Endpoint)
	if !ok {
		return nil, &types.AuthError{Credential: cred, Reason: "unknown provider"}
	}
	if p.IsDirect() {
		return m.portal.BaseHeaders(p, ""), nil
	}
	if !p.HasDevice(cred.Device) {
		return nil, &types.AuthError{Credential: cred, Reason: "device not configured for provider"}
	}

	if s := m.valid(cred); s != nil {
		return s.Headers.Clone(), nil
	}

	// the handshake is shared, so it must not die with the caller that started it
	results := m.flights.DoChan(cred.Key(), func() (interface{}, error) {
		// another flight may have finished between the lookup above and this one starting
		if s := m.valid(cred); s != nil {
			return s, nil
		}
		hsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.handshakeTimeout)
		defer cancel()
		return m.authenticate(hsCtx, p, cred)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Session).Headers.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the session of cred so the next Headers call re-authenticates.
func (m *Manager) Invalidate(cred types.Credential) {
	if _, ok := m.sessions.LoadAndDelete(cred.Key()); ok {
		logger.Debug("{session/session - Invalidate} Dropped session for %s", utils.MaskDevice(cred.Device))
	}
}

// Sessions returns a snapshot of the sessions that are currently valid, ordered by key.
func (m *Manager) Sessions() []types.Session {
	now := m.now()
	var out []types.Session
	m.sessions.Range(func(_ string, s *types.Session) bool {
		if s.ValidAt(now) {
			out = append(out, *s)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Credential.Key() < out[j].Credential.Key()
	})
	return out
}

func (m *Manager) valid(cred types.Credential) *types.Session {
	s, ok := m.sessions.Load(cred.Key())
	if !ok {
		return nil
	}
	if !s.ValidAt(m.now()) {
		return nil
	}
	return s
}

func (m *Manager) authenticate(ctx context.Context, p types.Provider, cred types.Credential) (*types.Session, error) {
	logger.Debug("{session/session - authenticate} Handshake for %s on %s", utils.MaskDevice(cred.Device), p.Name)

	token, err := m.portal.Handshake(ctx, p, cred.Device)
	if err != nil {
		m.sessions.Delete(cred.Key())
		return nil, err
	}

	headers := m.portal.BaseHeaders(p, cred.Device)
	headers.Set("Authorization", fmt.Sprintf("Bearer %s", token))

	s := &types.Session{
		Credential: cred,
		Token:      token,
		Headers:    headers,
		CreatedAt:  m.now(),
		TTL:        m.ttl,
	}
	m.sessions.Store(cred.Key(), s)
	return s, nil
}
