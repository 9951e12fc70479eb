package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"sort"
	"time"

	"stalker-proxy/work/cooldown"
	"stalker-proxy/work/filter"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/metrics"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// Sessions supplies authenticated headers per credential.
type Sessions interface {
	Headers(ctx context.Context, cred types.Credential) (http.Header, error)
	Invalidate(cred types.Credential)
}

// Lister fetches raw catalog data from a portal.
type Lister interface {
	Channels(ctx context.Context, p types.Provider, cred types.Credential, headers http.Header) (json.RawMessage, error)
	Genres(ctx context.Context, p types.Provider, cred types.Credential, headers http.Header) (map[string]string, error)
}

// Options configures a Cache.
type Options struct {
	TTL      time.Duration
	Cooldown time.Duration
	Now      func() time.Time
	// RefreshTimeout bounds one shared refresh across all credentials; defaults to 2m.
	RefreshTimeout time.Duration
	// Shuffle reorders candidates in place; defaults to a uniform random shuffle.
	Shuffle func([]types.Credential)
}

// Cache holds one normalized channel list per provider, together with the credential
// that produced it.
type Cache struct {
	sessions  Sessions
	lister    Lister
	cooldowns *cooldown.Tracker
	filters   *filter.FilterManager
	opts      Options

	entries *xsync.MapOf[string, *types.CatalogEntry]
	// failed remembers credentials that failed a previous lookup; they go last next time.
	failed  *xsync.MapOf[string, bool]
	flights singleflight.Group
}

// New returns an empty cache.
func New(sessions Sessions, lister Lister, cooldowns *cooldown.Tracker, filters *filter.FilterManager, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 2 * time.Minute
	}
	if opts.Shuffle == nil {
		opts.Shuffle = func(creds []types.Credential) {
			rand.Shuffle(len(creds), func(i, j int) { creds[i], creds[j] = creds[j], creds[i] })
		}
	}
	if filters == nil {
		filters = filter.NewFilterManager()
	}
	return &Cache{
		sessions:  sessions,
		lister:    lister,
		cooldowns: cooldowns,
		filters:   filters,
		opts:      opts,
		entries:   xsync.NewMapOf[string, *types.CatalogEntry](),
		failed:    xsync.NewMapOf[string, bool](),
	}
}

// Get returns the channels of p and the credential that listed them. A fresh entry is
// served without upstream I/O. Otherwise each eligible credential is tried at most once
// until one yields a non-empty list. When none does, Get returns an empty list and a zero
// credential and nothing is cached.
func (c *Cache) Get(ctx context.Context, p types.Provider) (types.Credential, []types.Channel) {
	if entry := c.fresh(p.Endpoint); entry != nil {
		return entry.Credential, cloneChannels(entry.Channels)
	}

	// the shared refresh outlives any single caller; each caller waits on its own ctx
	results := c.flights.DoChan(p.Endpoint, func() (interface{}, error) {
		if entry := c.fresh(p.Endpoint); entry != nil {
			return entry, nil
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
		defer cancel()
		return c.refresh(refreshCtx, p), nil
	})

	var entry *types.CatalogEntry
	select {
	case res := <-results:
		entry, _ = res.Val.(*types.CatalogEntry)
	case <-ctx.Done():
		logger.Debug("{catalog/cache - Get} Caller for %s went away before the refresh finished", p.Name)
	}
	if entry == nil {
		return types.Credential{}, []types.Channel{}
	}
	return entry.Credential, cloneChannels(entry.Channels)
}

// Invalidate drops the entry of one provider.
func (c *Cache) Invalidate(endpoint string) {
	c.entries.Delete(endpoint)
}

// InvalidateAll drops every entry and the compiled channel filters.
func (c *Cache) InvalidateAll() {
	c.entries.Clear()
	c.filters.ClearFilters()
}

// Entries returns a snapshot of the cached entries ordered by endpoint. Channel slices
// are shared and must not be modified.
func (c *Cache) Entries() []types.CatalogEntry {
	var out []types.CatalogEntry
	c.entries.Range(func(_ string, e *types.CatalogEntry) bool {
		out = append(out, *e)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Credential.Endpoint < out[j].Credential.Endpoint })
	return out
}

func (c *Cache) fresh(endpoint string) *types.CatalogEntry {
	entry, ok := c.entries.Load(endpoint)
	if !ok || !entry.FreshAt(c.opts.Now(), c.opts.TTL) {
		return nil
	}
	return entry
}

// candidates returns the credentials of p outside cooldown, shuffled, with those that
// failed before moved to the back.
func (c *Cache) candidates(p types.Provider) []types.Credential {
	creds := p.Credentials()
	if c.cooldowns != nil {
		creds = c.cooldowns.Filter(creds)
	}
	c.opts.Shuffle(creds)

	ordered := make([]types.Credential, 0, len(creds))
	var failed []types.Credential
	for _, cred := range creds {
		if _, bad := c.failed.Load(cred.Key()); bad {
			failed = append(failed, cred)
			continue
		}
		ordered = append(ordered, cred)
	}
	return append(ordered, failed...)
}

func (c *Cache) refresh(ctx context.Context, p types.Provider) *types.CatalogEntry {
	candidates := c.candidates(p)
	tried := make(map[string]bool, len(candidates))

	for _, cred := range candidates {
		if ctx.Err() != nil {
			break
		}
		if tried[cred.Key()] || (c.cooldowns != nil && c.cooldowns.Active(cred)) {
			continue
		}
		tried[cred.Key()] = true

		channels, err := c.list(ctx, p, cred)
		if err != nil {
			if isContextErr(err) || ctx.Err() != nil {
				// the credential did not fail, the refresh ran out of time
				break
			}
			c.failed.Store(cred.Key(), true)
			continue
		}
		if len(channels) == 0 {
			metrics.CatalogFetches.WithLabelValues(p.Name, "empty").Inc()
			c.failed.Store(cred.Key(), true)
			continue
		}

		c.failed.Delete(cred.Key())
		channels = c.filters.FilterChannels(p, channels)
		entry := &types.CatalogEntry{Credential: cred, Channels: channels, FetchedAt: c.opts.Now()}
		c.entries.Store(p.Endpoint, entry)
		metrics.CatalogFetches.WithLabelValues(p.Name, "ok").Inc()
		metrics.CatalogChannels.WithLabelValues(p.Name).Set(float64(len(channels)))
		logger.Info("{catalog/cache - refresh} Got %d channels from %s using %s", len(channels), p.Name, utils.MaskDevice(cred.Device))
		return entry
	}

	if err := ctx.Err(); err != nil {
		logger.Warn("{catalog/cache - refresh} Refresh of %s abandoned after %d credentials: %v", p.Name, len(tried), err)
		return nil
	}
	logger.Warn("{catalog/cache - refresh} All %d credentials failed or returned no channels for %s", len(tried), p.Name)
	return nil
}

// list runs one listing attempt. A 401 invalidates the session and a rate-limit signal
// puts the credential in cooldown; neither is retried here.
func (c *Cache) list(ctx context.Context, p types.Provider, cred types.Credential) ([]types.Channel, error) {
	headers, err := c.sessions.Headers(ctx, cred)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues(p.Name, "auth_error").Inc()
		c.noteRejection(p, cred, err)
		logger.Debug("{catalog/cache - list} Session for %s unavailable: %v", utils.MaskDevice(cred.Device), err)
		return nil, err
	}

	js, err := c.lister.Channels(ctx, p, cred, headers)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues(p.Name, "error").Inc()
		c.noteRejection(p, cred, err)
		logger.Debug("{catalog/cache - list} get_all_channels via %s failed: %v", utils.MaskDevice(cred.Device), err)
		return nil, err
	}

	genres, err := c.lister.Genres(ctx, p, cred, headers)
	if err != nil {
		logger.Debug("{catalog/cache - list} get_genres via %s failed, keeping raw groups: %v", utils.MaskDevice(cred.Device), err)
	}

	channels, dropped, err := Normalize(p.Endpoint, js, genres)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues(p.Name, "bad_payload").Inc()
		return nil, &types.UpstreamUnavailable{Credential: cred, Op: "get_all_channels", Err: err}
	}
	for _, d := range dropped {
		reason := "format"
		var formatErr *types.ChannelFormatError
		if errors.As(d, &formatErr) && formatErr.Reason != "" {
			reason = formatErr.Reason
		}
		metrics.DroppedChannels.WithLabelValues(p.Name, reason).Inc()
	}
	if len(dropped) > 0 {
		logger.Debug("{catalog/cache - list} Dropped %d of %d records from %s", len(dropped), len(dropped)+len(channels), p.Name)
	}
	return channels, nil
}

func (c *Cache) noteRejection(p types.Provider, cred types.Credential, err error) {
	var rejected *types.UpstreamRejected
	if !errors.As(err, &rejected) {
		return
	}
	switch {
	case rejected.Unauthorized():
		c.sessions.Invalidate(cred)
	case rejected.RateLimited() && c.cooldowns != nil:
		c.cooldowns.Put(cred, c.opts.Cooldown)
		metrics.Cooldowns.WithLabelValues(p.Name).Inc()
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func cloneChannels(channels []types.Channel) []types.Channel {
	return append([]types.Channel(nil), channels...)
}
