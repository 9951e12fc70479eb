package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stalker-proxy/work/affinity"
	"stalker-proxy/work/buffer"
	"stalker-proxy/work/catalog"
	"stalker-proxy/work/client"
	"stalker-proxy/work/config"
	"stalker-proxy/work/cooldown"
	"stalker-proxy/work/filter"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/playlist"
	"stalker-proxy/work/portal"
	"stalker-proxy/work/relay"
	"stalker-proxy/work/session"
	"stalker-proxy/work/store"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"

	"github.com/panjf2000/ants/v2"
)

// StreamProxy wires the gateway together: it builds playlists from the catalog cache
// and hands playback requests to the relay.
type StreamProxy struct {
	Config     *config.Config              // application configuration
	ConfigErr  error                       // set when no usable portal mapping was loaded
	Store      *store.Store                // static providers and their device pools
	Portal     *portal.Client              // portal API client
	Sessions   *session.Manager            // per-credential portal sessions
	Cooldowns  *cooldown.Tracker           // credentials backing off after rate limits
	Catalog    *catalog.Cache              // per-provider channel lists
	Affinity   *affinity.Tracker           // viewer -> credential hints
	Relay      *relay.Relay                // upstream media connections with failover
	Signer     *playlist.Signer            // playback token signer
	BufferPool *buffer.BufferPool          // chunk buffers for the stream copy loop
	HttpClient *client.HeaderSettingClient // shared upstream HTTP clients
	WorkerPool *ants.Pool                  // bounded pool for playlist fan-out
	StartedAt  time.Time

	active atomic.Int64 // playback requests currently relaying
}

// New creates the proxy. cfgErr is the error from loading the configuration, if any;
// the proxy then serves only health and status and answers everything else with 503.
func New(cfg *config.Config, cfgErr error, bufferPool *buffer.BufferPool, httpClient *client.HeaderSettingClient, workerPool *ants.Pool) (*StreamProxy, error) {
	logger.Debug("{proxy/proxy - New} Initializing new StreamProxy instance")

	if cfg == nil {
		cfg = config.Defaults()
	}
	signer, err := playlist.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create playback signer: %w", err)
	}

	st := store.New(cfg.ProviderList())
	pc := portal.New(httpClient, cfg.ObfuscateUrls)
	sessions := session.New(pc, st, cfg.SessionTTL)
	sessions.SetHandshakeTimeout(2 * cfg.ReadTimeout)
	cooldowns := cooldown.New()
	aff := affinity.New(cfg.AffinityTTL)

	sp := &StreamProxy{
		Config:     cfg,
		ConfigErr:  cfgErr,
		Store:      st,
		Portal:     pc,
		Sessions:   sessions,
		Cooldowns:  cooldowns,
		Affinity:   aff,
		Signer:     signer,
		BufferPool: bufferPool,
		HttpClient: httpClient,
		WorkerPool: workerPool,
		StartedAt:  time.Now(),
	}
	sp.Catalog = catalog.New(sessions, pc, cooldowns, filter.NewFilterManager(), catalog.Options{
		TTL:      cfg.CatalogTTL,
		Cooldown: cfg.CooldownDuration,
	})
	sp.Relay = relay.New(httpClient, sessions, pc, aff, cooldowns, relay.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		ProbeTimeout:   cfg.ProbeTimeout,
		StallTimeout:   cfg.StallTimeout,
		MaxStreamAge:   cfg.MaxStreamAge,
		MaxReconnects:  cfg.MaxReconnects,
		Cooldown:       cfg.CooldownDuration,
		ObfuscateURLs:  cfg.ObfuscateUrls,
	})

	logger.Debug("{proxy/proxy - New} StreamProxy initialization complete with %d providers", st.Len())
	return sp, nil
}

// Ready reports the configuration error that keeps the gateway from serving, if any.
func (sp *StreamProxy) Ready() error {
	if sp.ConfigErr != nil {
		return sp.ConfigErr
	}
	if sp.Store.Len() == 0 {
		return &types.ConfigurationError{Err: config.ErrNoProviders}
	}
	return nil
}

// BuildPlaylist collects the playlist entries of every provider, fetching catalogs in
// parallel on the worker pool. groupFilter, when set, keeps only entries whose group
// matches it case-insensitively (spaces and punctuation sanitized as in URLs).
func (sp *StreamProxy) BuildPlaylist(ctx context.Context, groupFilter string) ([]playlist.Entry, error) {
	if err := sp.Ready(); err != nil {
		return nil, err
	}

	providers := sp.Store.Providers()
	results := make([][]playlist.Entry, len(providers))
	var wg sync.WaitGroup

	for i, p := range providers {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = sp.providerEntries(ctx, p, groupFilter)
		}
		if sp.WorkerPool == nil {
			task()
			continue
		}
		if err := sp.WorkerPool.Submit(task); err != nil {
			logger.Warn("{proxy/proxy - BuildPlaylist} Worker pool rejected %s, running inline: %v", p.Name, err)
			task()
		}
	}
	wg.Wait()

	var entries []playlist.Entry
	for _, r := range results {
		entries = append(entries, r...)
	}
	return entries, nil
}

func (sp *StreamProxy) providerEntries(ctx context.Context, p types.Provider, groupFilter string) []playlist.Entry {
	cred, channels := sp.Catalog.Get(ctx, p)
	wanted := utils.SanitizeGroupName(groupFilter)

	entries := make([]playlist.Entry, 0, len(channels))
	for _, ch := range channels {
		group := ch.Group
		if group == "" {
			group = p.Name
		}
		if wanted != "" && !strings.EqualFold(utils.SanitizeGroupName(group), wanted) {
			continue
		}

		token, err := sp.Signer.Encode(playlist.Token{Provider: p.Endpoint, Command: ch.Command, Device: cred.Device})
		if err != nil {
			logger.Error("{proxy/proxy - providerEntries} Failed to sign channel %s: %v", ch.Name, err)
			continue
		}
		entries = append(entries, playlist.Entry{
			Channel:  ch,
			Group:    group,
			Provider: p.Name,
			URL:      sp.Config.BaseURL + "/s/" + token,
		})
	}
	return entries
}

// GeneratePlaylist writes the M3U playlist to the response, optionally filtered by group.
// A missing configuration yields 503 with the reason, never an empty playlist.
func (sp *StreamProxy) GeneratePlaylist(w http.ResponseWriter, r *http.Request, groupFilter string) {
	entries, err := sp.BuildPlaylist(r.Context(), groupFilter)
	if err != nil {
		logger.Error("{proxy/proxy - GeneratePlaylist} Cannot build playlist: %v", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/x-mpegURL")
	w.Header().Set("Cache-Control", "no-cache")
	if err := playlist.Write(w, entries); err != nil {
		logger.Debug("{proxy/proxy - GeneratePlaylist} Client went away while writing playlist: %v", err)
		return
	}

	if groupFilter == "" {
		logger.Debug("{proxy/proxy - GeneratePlaylist} Generated playlist with %d channels for %s", len(entries), utils.ClientID(r))
	} else {
		logger.Debug("{proxy/proxy - GeneratePlaylist} Generated playlist for group '%s' with %d channels", groupFilter, len(entries))
	}
}

// HandleStream relays the channel named by a playback token to the client.
func (sp *StreamProxy) HandleStream(w http.ResponseWriter, r *http.Request, rawToken string) {
	if err := sp.Ready(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	tok, err := sp.Signer.Decode(rawToken)
	if err != nil {
		http.Error(w, "Invalid playback token", http.StatusBadRequest)
		return
	}
	p, ok := sp.Store.Provider(tok.Provider)
	if !ok {
		http.Error(w, "Provider not found", http.StatusNotFound)
		return
	}

	clientID := utils.ClientID(r)
	stream, err := sp.Relay.OpenStream(r.Context(), relay.Request{
		Provider:  p,
		Command:   tok.Command,
		ClientID:  clientID,
		Preferred: types.Credential{Endpoint: p.Endpoint, Device: tok.Device},
	})
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		var streamErr *types.StreamError
		if errors.As(err, &streamErr) {
			logger.Warn("{proxy/proxy - HandleStream} %v", err)
			http.Error(w, "All credentials failed", http.StatusBadGateway)
			return
		}
		logger.Error("{proxy/proxy - HandleStream} Failed to open stream on %s: %v", p.Name, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer stream.Close()

	sp.active.Add(1)
	defer sp.active.Add(-1)

	logger.Info("{proxy/proxy - HandleStream} [%s] Client %s streaming from %s", stream.ID, clientID, p.Name)
	sp.copyStream(w, stream)
}

// copyStream forwards stream bytes to the client until either side ends.
func (sp *StreamProxy) copyStream(w http.ResponseWriter, stream *relay.Stream) {
	contentType := stream.ContentType()
	if contentType == "" {
		contentType = "video/mp2t"
	}

	crw := client.NewCustomResponseWriter(w)
	crw.Header().Set("Content-Type", contentType)
	crw.Header().Set("Connection", "keep-alive")
	crw.WriteHeader(http.StatusOK)
	crw.Flush()

	buf := sp.BufferPool.Get()
	defer sp.BufferPool.Put(buf)

	var total int64
	for {
		n, err := stream.Read(buf.B)
		if n > 0 {
			if _, werr := crw.Write(buf.B[:n]); werr != nil {
				logger.Debug("{proxy/proxy - copyStream} [%s] Client write failed after %d bytes: %v", stream.ID, total, werr)
				return
			}
			crw.Flush()
			total += int64(n)
		}
		if err != nil {
			logger.Debug("{proxy/proxy - copyStream} [%s] Stream ended after %d bytes: %v", stream.ID, total, err)
			return
		}
	}
}

// ActiveStreams returns the number of playback requests currently relaying.
func (sp *StreamProxy) ActiveStreams() int64 {
	return sp.active.Load()
}

// RefreshCatalog drops cached catalogs so the next playlist request refetches them, and
// lifts the cooldowns of the refreshed providers' credentials. An empty endpoint
// refreshes every provider.
func (sp *StreamProxy) RefreshCatalog(endpoint string) error {
	if endpoint == "" {
		sp.Catalog.InvalidateAll()
		for _, p := range sp.Store.Providers() {
			sp.clearCooldowns(p.Endpoint)
		}
		return nil
	}
	if _, ok := sp.Store.Provider(endpoint); !ok {
		return fmt.Errorf("unknown provider %q", endpoint)
	}
	sp.Catalog.Invalidate(endpoint)
	sp.clearCooldowns(endpoint)
	return nil
}

func (sp *StreamProxy) clearCooldowns(endpoint string) {
	for _, cred := range sp.Store.Credentials(endpoint) {
		sp.Cooldowns.Clear(cred)
	}
}
