package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stalker-proxy/work/types"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is read when STALKER_CONFIG is not set.
	DefaultConfigPath = "/settings/config.json"

	// EnvConfigPath names the environment variable holding the config file path.
	EnvConfigPath = "STALKER_CONFIG"

	// EnvPortals names the environment variable holding a JSON object of
	// portal endpoint -> [device ids].
	EnvPortals = "STALKER_PORTALS"

	DefaultAPIPath   = "/server/load.php"
	DefaultUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"
)

// ErrNoProviders is wrapped in a ConfigurationError when no portal is configured.
var ErrNoProviders = errors.New("no portals configured")

// Config holds all runtime settings of the gateway.
type Config struct {
	BaseURL          string           // Public base URL used in playlist playback links
	ListenAddr       string           // Address the HTTP server binds
	LogLevel         string           // DEBUG, INFO, WARN or ERROR
	Debug            bool             // Forces DEBUG logging
	ObfuscateUrls    bool             // Mask upstream URLs in logs
	WorkerThreads    int              // Size of the catalog fan-out pool
	SessionTTL       time.Duration    // Lifetime of a portal session token
	CatalogTTL       time.Duration    // Lifetime of a cached channel catalog
	AffinityTTL      time.Duration    // Idle lifetime of a viewer -> credential hint
	CooldownDuration time.Duration    // Exclusion period after a rate-limit signal
	ConnectTimeout   time.Duration    // Dial and response-header bound for upstream requests
	ReadTimeout      time.Duration    // Whole-request bound for portal API calls
	ProbeTimeout     time.Duration    // Header bound when probing an affinity credential
	StallTimeout     time.Duration    // Max gap between media chunks before failover
	MaxStreamAge     time.Duration    // Forced reconnection period, 0 disables
	MaxReconnects    int              // Reconnect budget per playback request
	SigningKey       string           // Key for playback URL signatures, random when empty
	Providers        []ProviderConfig // Configured portals
	Source           string           // Where the portal mapping came from, for logs
}

// ProviderConfig is one portal and its device pool.
type ProviderConfig struct {
	Name             string
	URL              string
	APIPath          string
	Devices          []string
	UserAgent        string
	RateLimit        int
	Direct           bool
	AlwaysCreateLink bool
	IncludeRegex     string
	ExcludeRegex     string
}

// ConfigFile is the on-disk layout. Durations are strings such as "30m" and are parsed
// into time.Duration by convertFromFile.
type ConfigFile struct {
	BaseURL          string               `json:"baseURL" yaml:"baseURL"`
	ListenAddr       string               `json:"listenAddr" yaml:"listenAddr"`
	LogLevel         string               `json:"logLevel" yaml:"logLevel"`
	Debug            bool                 `json:"debug" yaml:"debug"`
	ObfuscateUrls    bool                 `json:"obfuscateUrls" yaml:"obfuscateUrls"`
	WorkerThreads    int                  `json:"workerThreads" yaml:"workerThreads"`
	SessionTTL       string               `json:"sessionTTL" yaml:"sessionTTL"`
	CatalogTTL       string               `json:"catalogTTL" yaml:"catalogTTL"`
	AffinityTTL      string               `json:"affinityTTL" yaml:"affinityTTL"`
	CooldownDuration string               `json:"cooldown" yaml:"cooldown"`
	ConnectTimeout   string               `json:"connectTimeout" yaml:"connectTimeout"`
	ReadTimeout      string               `json:"readTimeout" yaml:"readTimeout"`
	ProbeTimeout     string               `json:"probeTimeout" yaml:"probeTimeout"`
	StallTimeout     string               `json:"stallTimeout" yaml:"stallTimeout"`
	MaxStreamAge     string               `json:"maxStreamAge" yaml:"maxStreamAge"`
	MaxReconnects    int                  `json:"maxReconnects" yaml:"maxReconnects"`
	SigningKey       string               `json:"signingKey" yaml:"signingKey"`
	Providers        []ProviderConfigFile `json:"providers" yaml:"providers"`
	Portals          map[string][]string  `json:"portals" yaml:"portals"` // compact endpoint -> devices form
}

// ProviderConfigFile is the on-disk layout of one portal.
type ProviderConfigFile struct {
	Name             string   `json:"name" yaml:"name"`
	URL              string   `json:"url" yaml:"url"`
	APIPath          string   `json:"apiPath" yaml:"apiPath"`
	Devices          []string `json:"devices" yaml:"devices"`
	UserAgent        string   `json:"userAgent" yaml:"userAgent"`
	RateLimit        int      `json:"rateLimit" yaml:"rateLimit"`
	Direct           bool     `json:"direct" yaml:"direct"`
	AlwaysCreateLink bool     `json:"alwaysCreateLink" yaml:"alwaysCreateLink"`
	IncludeRegex     string   `json:"includeRegex,omitempty" yaml:"includeRegex,omitempty"`
	ExcludeRegex     string   `json:"excludeRegex,omitempty" yaml:"excludeRegex,omitempty"`
}

// LoadConfig reads the configuration named by STALKER_CONFIG (or the default path) and
// merges portals from STALKER_PORTALS.
func LoadConfig() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(path, os.Getenv(EnvPortals))
}

// Load builds a validated Config from the file at path and the JSON portal mapping in
// envPortals. Either source may be absent, but not both: a gateway with no portals is a
// ConfigurationError rather than an empty playlist.
func Load(path, envPortals string) (*Config, error) {
	var cf *ConfigFile
	var sources []string

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cf, err = parseFile(path, data)
		if err != nil {
			return nil, &types.ConfigurationError{Source: path, Err: err}
		}
		sources = append(sources, path)
	case errors.Is(err, os.ErrNotExist):
		cf = &ConfigFile{}
	default:
		return nil, &types.ConfigurationError{Source: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	if strings.TrimSpace(envPortals) != "" {
		portals := map[string][]string{}
		if err := json.Unmarshal([]byte(envPortals), &portals); err != nil {
			return nil, &types.ConfigurationError{Source: EnvPortals, Err: fmt.Errorf("failed to parse portal mapping: %w", err)}
		}
		if cf.Portals == nil {
			cf.Portals = map[string][]string{}
		}
		for endpoint, devices := range portals {
			cf.Portals[endpoint] = append(cf.Portals[endpoint], devices...)
		}
		sources = append(sources, EnvPortals)
	}

	cfg, err := convertFromFile(cf)
	if err != nil {
		return nil, &types.ConfigurationError{Source: strings.Join(sources, "+"), Err: err}
	}
	validateAndSetDefaults(cfg)

	if len(cfg.Providers) == 0 {
		source := strings.Join(sources, "+")
		if source == "" {
			source = path + " (missing), " + EnvPortals + " (unset)"
		}
		return nil, &types.ConfigurationError{Source: source, Err: ErrNoProviders}
	}
	cfg.Source = strings.Join(sources, "+")
	return cfg, nil
}

// parseFile decodes JSON or YAML depending on the file extension.
func parseFile(path string, data []byte) (*ConfigFile, error) {
	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return &cf, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings and merging
// the compact portal map into the provider list.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:       cf.BaseURL,
		ListenAddr:    cf.ListenAddr,
		LogLevel:      cf.LogLevel,
		Debug:         cf.Debug,
		ObfuscateUrls: cf.ObfuscateUrls,
		WorkerThreads: cf.WorkerThreads,
		MaxReconnects: cf.MaxReconnects,
		SigningKey:    cf.SigningKey,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"sessionTTL", cf.SessionTTL, &cfg.SessionTTL},
		{"catalogTTL", cf.CatalogTTL, &cfg.CatalogTTL},
		{"affinityTTL", cf.AffinityTTL, &cfg.AffinityTTL},
		{"cooldown", cf.CooldownDuration, &cfg.CooldownDuration},
		{"connectTimeout", cf.ConnectTimeout, &cfg.ConnectTimeout},
		{"readTimeout", cf.ReadTimeout, &cfg.ReadTimeout},
		{"probeTimeout", cf.ProbeTimeout, &cfg.ProbeTimeout},
		{"stallTimeout", cf.StallTimeout, &cfg.StallTimeout},
		{"maxStreamAge", cf.MaxStreamAge, &cfg.MaxStreamAge},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	byURL := map[string]int{}
	add := func(p ProviderConfig) error {
		endpoint, err := normalizeEndpoint(p.URL)
		if err != nil {
			return err
		}
		p.URL = endpoint
		if idx, ok := byURL[endpoint]; ok {
			cfg.Providers[idx].Devices = append(cfg.Providers[idx].Devices, p.Devices...)
			return nil
		}
		byURL[endpoint] = len(cfg.Providers)
		cfg.Providers = append(cfg.Providers, p)
		return nil
	}

	for _, pf := range cf.Providers {
		if err := add(ProviderConfig{
			Name:             pf.Name,
			URL:              pf.URL,
			APIPath:          pf.APIPath,
			Devices:          pf.Devices,
			UserAgent:        pf.UserAgent,
			RateLimit:        pf.RateLimit,
			Direct:           pf.Direct,
			AlwaysCreateLink: pf.AlwaysCreateLink,
			IncludeRegex:     pf.IncludeRegex,
			ExcludeRegex:     pf.ExcludeRegex,
		}); err != nil {
			return nil, err
		}
	}

	// map iteration order is random; sort so provider order is stable across restarts
	endpoints := make([]string, 0, len(cf.Portals))
	for endpoint := range cf.Portals {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)
	for _, endpoint := range endpoints {
		if err := add(ProviderConfig{URL: endpoint, Devices: cf.Portals[endpoint]}); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func normalizeEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid portal url %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Defaults returns a provider-less Config with every default applied. It keeps the
// server runnable when loading fails.
func Defaults() *Config {
	cfg := &Config{}
	validateAndSetDefaults(cfg)
	return cfg
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.CatalogTTL <= 0 {
		cfg.CatalogTTL = time.Hour
	}
	if cfg.AffinityTTL <= 0 {
		cfg.AffinityTTL = 30 * time.Minute
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = 5 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 12 * time.Second
	}
	if cfg.MaxStreamAge < 0 {
		cfg.MaxStreamAge = 0
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			if u, err := url.Parse(p.URL); err == nil {
				p.Name = u.Host
			} else {
				p.Name = fmt.Sprintf("Portal_%d", i+1)
			}
		}
		if p.APIPath == "" {
			p.APIPath = DefaultAPIPath
		}
		if !strings.HasPrefix(p.APIPath, "/") {
			p.APIPath = "/" + p.APIPath
		}
		if p.UserAgent == "" {
			p.UserAgent = DefaultUserAgent
		}
		if p.RateLimit <= 0 {
			p.RateLimit = 10
		}
		p.Devices = dedupe(p.Devices)
	}
}

func dedupe(devices []string) []string {
	seen := make(map[string]bool, len(devices))
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// ProviderList converts the configured portals into immutable providers.
func (c *Config) ProviderList() []types.Provider {
	providers := make([]types.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		providers = append(providers, types.Provider{
			Name:             p.Name,
			Endpoint:         p.URL,
			APIPath:          p.APIPath,
			Devices:          append([]string(nil), p.Devices...),
			UserAgent:        p.UserAgent,
			RateLimit:        p.RateLimit,
			Direct:           p.Direct,
			AlwaysCreateLink: p.AlwaysCreateLink,
			IncludeRegex:     p.IncludeRegex,
			ExcludeRegex:     p.ExcludeRegex,
		})
	}
	return providers
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:          "http://localhost:8080",
		ListenAddr:       ":8080",
		LogLevel:         "INFO",
		ObfuscateUrls:    true,
		WorkerThreads:    8,
		SessionTTL:       "30m",
		CatalogTTL:       "1h",
		AffinityTTL:      "30m",
		CooldownDuration: "5m",
		ConnectTimeout:   "10s",
		ReadTimeout:      "20s",
		ProbeTimeout:     "3s",
		StallTimeout:     "12s",
		MaxStreamAge:     "0s",
		MaxReconnects:    5,
		Providers: []ProviderConfigFile{
			{
				Name:      "Primary Portal",
				URL:       "http://portal.example.com:8080/c",
				Devices:   []string{"00:1A:79:00:00:01", "00:1A:79:00:00:02"},
				RateLimit: 10,
			},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
