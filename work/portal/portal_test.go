package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"stalker-proxy/work/client"
	"stalker-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeToken(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"flat", `{"token":"T1"}`, "T1", false},
		{"nested js", `{"js":{"token":"T2"}}`, "T2", false},
		{"nested data", `{"js":{"data":{"token":"T3"}}}`, "T3", false},
		{"flat wins", `{"token":"A","js":{"token":"B"}}`, "A", false},
		{"empty flat falls through", `{"token":"","js":{"token":"B"}}`, "B", false},
		{"non string", `{"js":{"token":42}}`, "", true},
		{"missing", `{"js":{"random":"x"}}`, "", true},
		{"malformed", `<html>`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProbeToken([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNeedsLink(t *testing.T) {
	p := types.Provider{Endpoint: "http://portal.example/c"}
	assert.True(t, NeedsLink(p, "http://localhost/ch/1234_"))
	assert.True(t, NeedsLink(p, "http://LOCALHOST:88/ch/1"))
	assert.False(t, NeedsLink(p, "http://127.0.0.1:88/ch/1"))
	assert.False(t, NeedsLink(p, "http://cdn.example/live/1.ts"))

	p.AlwaysCreateLink = true
	assert.True(t, NeedsLink(p, "http://cdn.example/live/1.ts"))
}

func newPortal(t *testing.T, handler http.HandlerFunc) (*Client, types.Provider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hc := client.NewHeaderSettingClient(client.Timeouts{Connect: time.Second, Read: 2 * time.Second})
	p := types.Provider{
		Name:     "test",
		Endpoint: srv.URL + "/c",
		APIPath:  "/server/load.php",
		Devices:  []string{"00:1A:79:00:00:01"},
	}
	return New(hc, false), p
}

func TestHandshake(t *testing.T) {
	var cookie, action string
	c, p := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
		action = r.URL.Query().Get("action")
		assert.Equal(t, "/c/server/load.php", r.URL.Path)
		w.Write([]byte(`{"js":{"token":"abc"}}`))
	})

	token, err := c.Handshake(context.Background(), p, p.Devices[0])
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
	assert.Equal(t, "handshake", action)
	assert.Contains(t, cookie, "mac=00%3A1A%3A79%3A00%3A00%3A01")
}

func TestHandshake_failures(t *testing.T) {
	status := http.StatusForbidden
	body := ""
	c, p := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	})

	_, err := c.Handshake(context.Background(), p, p.Devices[0])
	var authErr *types.AuthError
	require.True(t, errors.As(err, &authErr))
	var rejected *types.UpstreamRejected
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusForbidden, rejected.StatusCode)

	status, body = http.StatusOK, `{"js":{}}`
	_, err = c.Handshake(context.Background(), p, p.Devices[0])
	require.True(t, errors.As(err, &authErr))
	assert.ErrorIs(t, err, errNoToken)
}

func TestChannelsAndCreateLink(t *testing.T) {
	var auth string
	c, p := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		switch r.URL.Query().Get("action") {
		case "get_all_channels":
			w.Write([]byte(`{"js":{"data":[{"name":"One","cmd":"ffrt http://localhost/ch/1"}]}}`))
		case "get_genres":
			w.Write([]byte(`{"js":[{"id":"1","title":"News"},{"id":2,"title":"Sports"},{"id":"*","title":""}]}`))
		case "create_link":
			assert.Equal(t, "ffrt http://localhost/ch/1", r.URL.Query().Get("cmd"))
			w.Write([]byte(`{"js":{"cmd":"ffrt http://cdn.example/live/1.ts?play_token=x"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	cred := types.Credential{Endpoint: p.Endpoint, Device: p.Devices[0]}
	headers := c.BaseHeaders(p, cred.Device)
	headers.Set("Authorization", "Bearer tok")

	js, err := c.Channels(context.Background(), p, cred, headers)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[{"name":"One","cmd":"ffrt http://localhost/ch/1"}]}`, string(js))
	assert.Equal(t, "Bearer tok", auth)

	genres, err := c.Genres(context.Background(), p, cred, headers)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "News", "2": "Sports"}, genres)

	cmd, err := c.CreateLink(context.Background(), p, cred, headers, "ffrt http://localhost/ch/1")
	require.NoError(t, err)
	assert.Equal(t, "ffrt http://cdn.example/live/1.ts?play_token=x", cmd)
}

func TestRateLimitedStatusIsRejected(t *testing.T) {
	c, p := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(458)
	})
	cred := types.Credential{Endpoint: p.Endpoint, Device: p.Devices[0]}

	_, err := c.Channels(context.Background(), p, cred, nil)
	var rejected *types.UpstreamRejected
	require.True(t, errors.As(err, &rejected))
	assert.True(t, rejected.RateLimited())
	assert.False(t, rejected.Unauthorized())
}

func TestHandshake_cancelledContextIsNotAnAuthError(t *testing.T) {
	var hits atomic.Int32
	c, p := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"js":{"token":"abc"}}`))
	})
	p.RateLimit = 1

	// the first call consumes the limiter slot, the second waits for the next one
	_, err := c.Handshake(context.Background(), p, p.Devices[0])
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Handshake(ctx, p, p.Devices[0])
	assert.ErrorIs(t, err, context.Canceled)
	var authErr *types.AuthError
	assert.False(t, errors.As(err, &authErr))
	assert.EqualValues(t, 1, hits.Load())
}
