package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"stalker-proxy/work/client"
	"stalker-proxy/work/config"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/metrics"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// maxPayload caps portal API responses; full channel lists of large portals run to a
// few megabytes.
const maxPayload = 64 << 20

// stbModel is presented in X-User-Agent; portals gate some actions on a MAG model.
const stbModel = "Model: MAG250; Link: WiFi"

// Client speaks the portal API (`load.php?type=...&action=...`). It is stateless apart
// from the per-provider rate limiters and safe for concurrent use.
type Client struct {
	http      *client.HeaderSettingClient
	limiters  *xsync.MapOf[string, ratelimit.Limiter]
	obfuscate bool
}

// New returns a portal client sending requests through hc.
func New(hc *client.HeaderSettingClient, obfuscateURLs bool) *Client {
	return &Client{
		http:      hc,
		limiters:  xsync.NewMapOf[string, ratelimit.Limiter](),
		obfuscate: obfuscateURLs,
	}
}

// limiter returns the request limiter of provider p, creating it on first use.
func (c *Client) limiter(p types.Provider) ratelimit.Limiter {
	l, _ := c.limiters.LoadOrCompute(p.Endpoint, func() ratelimit.Limiter {
		if p.RateLimit <= 0 {
			return ratelimit.NewUnlimited()
		}
		return ratelimit.New(p.RateLimit)
	})
	return l
}

// BaseHeaders returns the STB headers identifying device to portal p, without any
// authorization.
func (c *Client) BaseHeaders(p types.Provider, device string) http.Header {
	h := http.Header{}
	ua := p.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent
	}
	h.Set("User-Agent", ua)
	h.Set("X-User-Agent", stbModel)
	h.Set("Referer", strings.TrimRight(p.Endpoint, "/")+"/")
	if device != "" {
		h.Set("Cookie", fmt.Sprintf("mac=%s; stb_lang=en; timezone=UTC", url.QueryEscape(device)))
	}
	return h
}

// Handshake obtains a fresh token for device. Every failure is reported as an
// *types.AuthError; choosing another credential is the caller's business.
func (c *Client) Handshake(ctx context.Context, p types.Provider, device string) (string, error) {
	cred := types.Credential{Endpoint: p.Endpoint, Device: device}
	query := url.Values{
		"type":          {"stb"},
		"action":        {"handshake"},
		"token":         {""},
		"JsHttpRequest": {"1-xml"},
	}

	body, err := c.get(ctx, p, cred, "handshake", query, c.BaseHeaders(p, device))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the device was not rejected; the caller gave up
			metrics.Handshakes.WithLabelValues(p.Name, "cancelled").Inc()
			return "", ctxErr
		}
		result := "http_error"
		var unavailable *types.UpstreamUnavailable
		if errors.As(err, &unavailable) && unavailable.StatusCode == 0 {
			result = "transport"
		}
		metrics.Handshakes.WithLabelValues(p.Name, result).Inc()
		return "", &types.AuthError{Credential: cred, Reason: "handshake request failed", Err: err}
	}

	token, err := ProbeToken(body)
	if err != nil {
		result := "no_token"
		if !errors.Is(err, errNoToken) {
			result = "bad_payload"
		}
		metrics.Handshakes.WithLabelValues(p.Name, result).Inc()
		return "", &types.AuthError{Credential: cred, Reason: "handshake response unusable", Err: err}
	}

	metrics.Handshakes.WithLabelValues(p.Name, "ok").Inc()
	logger.Debug("{portal/portal - Handshake} Handshake ok for %s on %s", utils.MaskDevice(device), p.Name)
	return token, nil
}

// Channels fetches the raw channel container (`js` of get_all_channels).
func (c *Client) Channels(ctx context.Context, p types.Provider, cred types.Credential, headers http.Header) (json.RawMessage, error) {
	query := url.Values{
		"type":          {"itv"},
		"action":        {"get_all_channels"},
		"JsHttpRequest": {"1-xml"},
	}
	body, err := c.get(ctx, p, cred, "get_all_channels", query, headers)
	if err != nil {
		return nil, err
	}
	js, err := envelope(body)
	if err != nil {
		return nil, &types.UpstreamUnavailable{Credential: cred, Op: "get_all_channels", Err: err}
	}
	return js, nil
}

// Genres fetches the genre id -> title table.
func (c *Client) Genres(ctx context.Context, p types.Provider, cred types.Credential, headers http.Header) (map[string]string, error) {
	query := url.Values{
		"type":          {"itv"},
		"action":        {"get_genres"},
		"JsHttpRequest": {"1-xml"},
	}
	body, err := c.get(ctx, p, cred, "get_genres", query, headers)
	if err != nil {
		return nil, err
	}
	js, err := envelope(body)
	if err != nil {
		return nil, &types.UpstreamUnavailable{Credential: cred, Op: "get_genres", Err: err}
	}

	var genres []struct {
		ID    json.RawMessage `json:"id"`
		Title string          `json:"title"`
	}
	if err := json.Unmarshal(js, &genres); err != nil {
		return nil, &types.UpstreamUnavailable{Credential: cred, Op: "get_genres", Err: err}
	}
	out := make(map[string]string, len(genres))
	for _, g := range genres {
		id := strings.Trim(string(g.ID), `"`)
		if id == "" || g.Title == "" {
			continue
		}
		out[id] = g.Title
	}
	return out, nil
}

// CreateLink asks the portal to turn a placeholder command into a playable one for the
// credential behind headers. The returned command still needs URL extraction.
func (c *Client) CreateLink(ctx context.Context, p types.Provider, cred types.Credential, headers http.Header, cmd string) (string, error) {
	query := url.Values{
		"type":           {"itv"},
		"action":         {"create_link"},
		"cmd":            {cmd},
		"series":         {""},
		"forced_storage": {"undefined"},
		"disable_ad":     {"0"},
		"download":       {"0"},
		"JsHttpRequest":  {"1-xml"},
	}
	body, err := c.get(ctx, p, cred, "create_link", query, headers)
	if err != nil {
		return "", err
	}
	js, err := envelope(body)
	if err != nil {
		return "", &types.UpstreamUnavailable{Credential: cred, Op: "create_link", Err: err}
	}

	var link struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(js, &link); err != nil || strings.TrimSpace(link.Cmd) == "" {
		if err == nil {
			err = fmt.Errorf("empty cmd")
		}
		return "", &types.UpstreamUnavailable{Credential: cred, Op: "create_link", Err: err}
	}
	return link.Cmd, nil
}

// NeedsLink reports whether streamURL is a portal placeholder that must go through
// create_link before playback. Portals publish such commands against localhost,
// e.g. "ffrt http://localhost/ch/1234_".
func NeedsLink(p types.Provider, streamURL string) bool {
	if p.AlwaysCreateLink {
		return true
	}
	u, err := url.Parse(streamURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), "localhost")
}

// get performs one rate-limited portal API request and returns the body of a 2xx
// response. Non-2xx statuses are classified with types.ClassifyStatus. A ctx that ended
// while waiting for the rate limiter is returned as is.
func (c *Client) get(ctx context.Context, p types.Provider, cred types.Credential, op string, query url.Values, headers http.Header) ([]byte, error) {
	c.limiter(p).Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := p.APIURL() + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &types.UpstreamUnavailable{Credential: cred, Op: op, Err: err}
	}
	if headers != nil {
		req.Header = headers.Clone()
	}

	resp, err := c.http.DoAPI(req)
	if err != nil {
		logger.Debug("{portal/portal - get} %s failed for %s: %v", op, utils.LogURL(c.obfuscate, p.APIURL()), err)
		return nil, &types.UpstreamUnavailable{Credential: cred, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		logger.Debug("{portal/portal - get} %s returned HTTP %d for %s", op, resp.StatusCode, utils.MaskDevice(cred.Device))
		return nil, types.ClassifyStatus(cred, op, target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, &types.UpstreamUnavailable{Credential: cred, Op: op, Err: err}
	}
	return body, nil
}
