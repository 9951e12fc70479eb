package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stalker-proxy/work/buffer"
	"stalker-proxy/work/client"
	"stalker-proxy/work/config"
	"stalker-proxy/work/proxy"
	"stalker-proxy/work/types"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, cfg *config.Config, cfgErr error) *mux.Router {
	t.Helper()
	hc := client.NewHeaderSettingClient(client.Timeouts{Connect: 2 * time.Second, Read: 2 * time.Second})
	sp, err := proxy.New(cfg, cfgErr, buffer.NewBufferPool(4096), hc, nil)
	require.NoError(t, err)
	router := mux.NewRouter()
	Register(router, sp, nil)
	return router
}

func TestPlaylist_missingConfigurationIsNotOK(t *testing.T) {
	cfg, err := config.Load(t.TempDir()+"/absent.json", "")
	require.Error(t, err)
	router := newRouter(t, cfg, err)

	for _, path := range []string{"/playlist", "/playlist.m3u", "/News/playlist", "/s/whatever"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "no portals configured", path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, false, health["ready"])
}

// fakePortal is a minimal portal with one device, one channel and a media endpoint.
func fakePortal(t *testing.T, handshakes *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live/1.ts" {
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "video/mp2t")
			w.Write([]byte("MEDIA"))
			return
		}
		switch r.URL.Query().Get("action") {
		case "handshake":
			handshakes.Add(1)
			w.Write([]byte(`{"js":{"token":"tok"}}`))
		case "get_all_channels":
			fmt.Fprintf(w, `{"js":{"data":[{"id":"1","name":"News 24","cmd":"ffrt %s/live/1.ts","tv_genre_id":"5"},{"name":"Broken"}]}}`, srv.URL)
		case "get_genres":
			w.Write([]byte(`{"js":[{"id":"5","title":"News"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func configured(t *testing.T, portalURL string) *config.Config {
	t.Helper()
	env := fmt.Sprintf(`{%q: ["00:1A:79:00:00:01"]}`, portalURL+"/c")
	cfg, err := config.Load(t.TempDir()+"/absent.json", env)
	require.NoError(t, err)
	cfg.BaseURL = "http://gw.example"
	cfg.SigningKey = "k"
	return cfg
}

func TestPlaylistAndPlayback(t *testing.T) {
	var handshakes atomic.Int32
	portal := fakePortal(t, &handshakes)
	router := newRouter(t, configured(t, portal.URL), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-mpegURL", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
	assert.Contains(t, body, `group-title="News",News 24`)
	assert.NotContains(t, body, "Broken")

	var playURL string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "http://gw.example/s/") {
			playURL = line
		}
	}
	require.NotEmpty(t, playURL)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/News/playlist", nil))
	assert.Contains(t, rec.Body.String(), "News 24")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/Sports/playlist", nil))
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL + strings.TrimPrefix(playURL, "http://gw.example"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	// the upstream closes after one chunk; the relay reconnects until its budget is spent
	data, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.HasPrefix(string(data), "MEDIA"))
	assert.EqualValues(t, 1, handshakes.Load())
}

func TestPlayback_badToken(t *testing.T) {
	var handshakes atomic.Int32
	portal := fakePortal(t, &handshakes)
	router := newRouter(t, configured(t, portal.URL), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/not-a-token", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingConfigurationError(t *testing.T) {
	_, err := config.Load(t.TempDir()+"/absent.json", "")
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
