package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"stalker-proxy/work/catalog"
	"stalker-proxy/work/client"
	"stalker-proxy/work/cooldown"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/metrics"
	"stalker-proxy/work/portal"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"

	"github.com/google/uuid"
)

// Sessions supplies authenticated headers per credential.
type Sessions interface {
	Headers(ctx context.Context, cred types.Credential) (http.Header, error)
	Invalidate(cred types.Credential)
}

// Linker turns placeholder portal commands into playable ones.
type Linker interface {
	CreateLink(ctx context.Context, p types.Provider, cred types.Credential, headers http.Header, cmd string) (string, error)
}

// Affinity remembers the credential that last served a client.
type Affinity interface {
	Get(clientID, endpoint string) (types.Credential, bool)
	Set(clientID string, cred types.Credential)
	Forget(clientID, endpoint string)
}

// Options tunes connection and failover behaviour.
type Options struct {
	ConnectTimeout time.Duration // bound on response headers for a regular attempt
	ProbeTimeout   time.Duration // bound on response headers when trying the affinity hint
	StallTimeout   time.Duration // max silence from upstream before failing over
	MaxStreamAge   time.Duration // forced reconnection interval, 0 disables
	MaxReconnects  int           // reconnections allowed per stream
	Cooldown       time.Duration // exclusion applied on a rate-limit signal
	ObfuscateURLs  bool
	// Shuffle reorders candidates in place; defaults to a uniform random shuffle.
	Shuffle func([]types.Credential)
}

// Relay opens upstream media connections for viewers, choosing among the credentials
// of a provider and failing over between them.
type Relay struct {
	http      *client.HeaderSettingClient
	sessions  Sessions
	linker    Linker
	affinity  Affinity
	cooldowns *cooldown.Tracker
	opts      Options
}

// Request describes one playback.
type Request struct {
	Provider  types.Provider
	Command   string           // raw portal command of the channel
	ClientID  string           // viewer identity for affinity, may be empty
	Preferred types.Credential // credential hinted by the playlist, may be zero
}

// New returns a relay.
func New(hc *client.HeaderSettingClient, sessions Sessions, linker Linker, aff Affinity, cooldowns *cooldown.Tracker, opts Options) *Relay {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 || opts.ProbeTimeout > opts.ConnectTimeout {
		opts.ProbeTimeout = opts.ConnectTimeout
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 12 * time.Second
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.Shuffle == nil {
		opts.Shuffle = func(creds []types.Credential) {
			rand.Shuffle(len(creds), func(i, j int) { creds[i], creds[j] = creds[j], creds[i] })
		}
	}
	if cooldowns == nil {
		cooldowns = cooldown.New()
	}
	return &Relay{
		http:      hc,
		sessions:  sessions,
		linker:    linker,
		affinity:  aff,
		cooldowns: cooldowns,
		opts:      opts,
	}
}

// OpenStream connects to the first credential that serves the channel and returns a
// stream that keeps the viewer fed across upstream failures. The caller must Close it.
func (r *Relay) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ID:     uuid.NewString(),
		relay:  r,
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		bytes:  metrics.BytesRelayed.WithLabelValues(req.Provider.Name),
	}
	s.setState(StateConnecting)

	up, err := r.connect(ctx, s.ID, req, types.Credential{})
	if err != nil {
		cancel()
		s.setState(StateFailed)
		return nil, err
	}
	s.contentType = up.contentType
	s.attach(up)
	metrics.ActiveStreams.WithLabelValues(req.Provider.Name).Inc()
	return s, nil
}

type candidate struct {
	cred  types.Credential
	probe bool
}

// candidates orders the provider's credentials: affinity hint first, then the preferred
// credential, then the rest shuffled.
func (r *Relay) candidates(req Request) []candidate {
	all := req.Provider.Credentials()
	member := make(map[string]bool, len(all))
	for _, c := range all {
		member[c.Key()] = true
	}

	out := make([]candidate, 0, len(all)+2)
	if r.affinity != nil && req.ClientID != "" {
		if hint, ok := r.affinity.Get(req.ClientID, req.Provider.Endpoint); ok && member[hint.Key()] {
			out = append(out, candidate{cred: hint, probe: true})
		}
	}
	if !req.Preferred.IsZero() && member[req.Preferred.Key()] {
		out = append(out, candidate{cred: req.Preferred})
	}

	rest := append([]types.Credential(nil), all...)
	r.opts.Shuffle(rest)
	for _, c := range rest {
		out = append(out, candidate{cred: c})
	}
	return out
}

// connect walks the candidates until one serves the stream. exclude is skipped unless
// nothing else could be attempted.
func (r *Relay) connect(ctx context.Context, streamID string, req Request, exclude types.Credential) (*upstream, error) {
	tried := make(map[string]bool)
	attempts := 0
	var last error

	try := func(c candidate) (*upstream, bool) {
		tried[c.cred.Key()] = true
		attempts++
		up, err := r.attempt(ctx, streamID, req, c)
		if err != nil {
			last = err
			return nil, false
		}
		if r.affinity != nil && req.ClientID != "" {
			r.affinity.Set(req.ClientID, c.cred)
		}
		return up, true
	}

	for _, c := range r.candidates(req) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if tried[c.cred.Key()] || (!exclude.IsZero() && c.cred == exclude) {
			continue
		}
		if r.cooldowns.Active(c.cred) {
			logger.Debug("{relay/relay - connect} [%s] Skipping %s, cooling down", streamID, utils.MaskDevice(c.cred.Device))
			continue
		}
		if up, ok := try(c); ok {
			return up, nil
		}
	}

	if attempts == 0 && !exclude.IsZero() && !r.cooldowns.Active(exclude) && ctx.Err() == nil {
		logger.Debug("{relay/relay - connect} [%s] Only the failed credential is left, retrying it", streamID)
		if up, ok := try(candidate{cred: exclude}); ok {
			return up, nil
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if last == nil {
		last = types.ErrNoCandidates
	}
	if r.affinity != nil && req.ClientID != "" {
		r.affinity.Forget(req.ClientID, req.Provider.Endpoint)
	}
	logger.Warn("{relay/relay - connect} [%s] All credentials failed for %s after %d attempts: %v", streamID, req.Provider.Name, attempts, last)
	return nil, &types.StreamError{Provider: req.Provider.Name, Attempts: attempts, Last: last}
}

// attempt tries one credential. A 401 invalidates the session and is retried once with
// a fresh one; a rate-limit signal puts the credential in cooldown.
func (r *Relay) attempt(ctx context.Context, streamID string, req Request, c candidate) (*upstream, error) {
	for retried := false; ; retried = true {
		up, err := r.open(ctx, req, c)
		if err == nil {
			metrics.StreamAttempts.WithLabelValues(req.Provider.Name, "ok").Inc()
			logger.Debug("{relay/relay - attempt} [%s] Streaming %s via %s", streamID, req.Provider.Name, utils.MaskDevice(c.cred.Device))
			return up, nil
		}

		result := "error"
		var rejected *types.UpstreamRejected
		if errors.As(err, &rejected) {
			switch {
			case rejected.Unauthorized():
				r.sessions.Invalidate(c.cred)
				if !retried {
					metrics.StreamAttempts.WithLabelValues(req.Provider.Name, "unauthorized").Inc()
					logger.Debug("{relay/relay - attempt} [%s] %s unauthorized, retrying with a fresh session", streamID, utils.MaskDevice(c.cred.Device))
					continue
				}
				result = "unauthorized"
			case rejected.RateLimited():
				r.cooldowns.Put(c.cred, r.opts.Cooldown)
				metrics.Cooldowns.WithLabelValues(req.Provider.Name).Inc()
				result = "rate_limited"
			default:
				result = "rejected"
			}
		}
		metrics.StreamAttempts.WithLabelValues(req.Provider.Name, result).Inc()
		logger.Debug("{relay/relay - attempt} [%s] %s failed: %v", streamID, utils.MaskDevice(c.cred.Device), err)
		return nil, err
	}
}

// open performs headers → URL resolution → GET for one credential.
func (r *Relay) open(ctx context.Context, req Request, c candidate) (*upstream, error) {
	headers, err := r.sessions.Headers(ctx, c.cred)
	if err != nil {
		return nil, err
	}
	streamURL, err := r.resolve(ctx, req, c.cred, headers)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, &types.UpstreamUnavailable{Credential: c.cred, Op: "stream", Err: err}
	}
	httpReq.Header = headers.Clone()

	limit := r.opts.ConnectTimeout
	if c.probe {
		limit = r.opts.ProbeTimeout
	}
	headerTimer := time.AfterFunc(limit, cancel)
	resp, err := r.http.DoStream(httpReq)
	inTime := headerTimer.Stop()

	if err != nil {
		cancel()
		if !inTime {
			err = fmt.Errorf("no response headers within %s: %w", limit, err)
		}
		return nil, &types.UpstreamUnavailable{Credential: c.cred, Op: "stream", Err: err}
	}
	if !inTime {
		resp.Body.Close()
		cancel()
		return nil, &types.UpstreamUnavailable{Credential: c.cred, Op: "stream", Err: fmt.Errorf("no response headers within %s", limit)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, types.ClassifyStatus(c.cred, "stream", utils.LogURL(r.opts.ObfuscateURLs, streamURL), resp.StatusCode)
	}

	return &upstream{
		cred:        c.cred,
		body:        resp.Body,
		cancel:      cancel,
		contentType: resp.Header.Get("Content-Type"),
		openedAt:    time.Now(),
	}, nil
}

// resolve turns the channel command into the URL to GET, going through create_link for
// placeholder commands.
func (r *Relay) resolve(ctx context.Context, req Request, cred types.Credential, headers http.Header) (string, error) {
	p := req.Provider
	streamURL, ok := catalog.ResolveCommand(p.Endpoint, req.Command)
	if ok && !portal.NeedsLink(p, streamURL) {
		return streamURL, nil
	}
	if !ok && p.IsDirect() {
		return "", &types.UpstreamUnavailable{Credential: cred, Op: "resolve", Err: errors.New("command has no stream url")}
	}
	if r.linker == nil {
		return "", &types.UpstreamUnavailable{Credential: cred, Op: "create_link", Err: errors.New("no link resolver")}
	}

	linked, err := r.linker.CreateLink(ctx, p, cred, headers, req.Command)
	if err != nil {
		return "", err
	}
	streamURL, ok = catalog.ResolveCommand(p.Endpoint, linked)
	if !ok {
		return "", &types.UpstreamUnavailable{Credential: cred, Op: "create_link", Err: fmt.Errorf("no stream url in %q", linked)}
	}
	return streamURL, nil
}
