package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handshakes counts portal handshakes per provider, labelled by outcome
// ("ok", "http_error", "bad_payload", "no_token", "transport", "cancelled").
var Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_handshakes_total",
	Help: "Portal handshakes performed",
}, []string{"provider", "result"})

// CatalogFetches counts channel-list requests per provider and outcome.
var CatalogFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_catalog_fetches_total",
	Help: "Channel catalog fetch attempts",
}, []string{"provider", "result"})

// CatalogChannels is the channel count of the last successful catalog per provider.
var CatalogChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stalker_proxy_catalog_channels",
	Help: "Channels in the cached catalog",
}, []string{"provider"})

// DroppedChannels counts records dropped during normalization, by reason.
var DroppedChannels = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_dropped_channels_total",
	Help: "Channel records dropped during normalization",
}, []string{"provider", "reason"})

// StreamAttempts counts upstream connection attempts by the relay.
var StreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_stream_attempts_total",
	Help: "Upstream stream connection attempts",
}, []string{"provider", "result"})

// StreamReconnects counts mid-stream reconnections by cause ("stall", "eof", "error", "max_age").
var StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_stream_reconnects_total",
	Help: "Mid-stream reconnections",
}, []string{"provider", "reason"})

// ActiveStreams is the number of relays currently open per provider.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stalker_proxy_active_streams",
	Help: "Open stream relays",
}, []string{"provider"})

// BytesRelayed counts media bytes forwarded to viewers.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_bytes_relayed_total",
	Help: "Media bytes forwarded to viewers",
}, []string{"provider"})

// Cooldowns counts credentials placed into cooldown after a rate-limit signal.
var Cooldowns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stalker_proxy_cooldowns_total",
	Help: "Credentials placed in cooldown",
}, []string{"provider"})
