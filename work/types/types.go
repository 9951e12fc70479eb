package types

import (
	"net/http"
	"strings"
	"time"
)

// Provider is one upstream Stalker portal together with the ordered pool of device
// identifiers that may authenticate against it. Providers are built once from the
// configuration and never change for the lifetime of the process; the endpoint URL
// is the identity used by every cache in the gateway.
type Provider struct {
	Name             string   // Display name used in logs, metrics and playlist groups
	Endpoint         string   // Portal base URL, e.g. http://host:8080/c
	APIPath          string   // Sub-path of the portal API relative to Endpoint
	Devices          []string // Ordered device identifiers (historically MAC addresses)
	UserAgent        string   // User-Agent presented to the portal
	RateLimit        int      // Portal API requests per second, 0 = unlimited
	Direct           bool     // Portal needs no handshake at all
	AlwaysCreateLink bool     // Every playback command must go through create_link
	IncludeRegex     string   // Optional channel include filter
	ExcludeRegex     string   // Optional channel exclude filter
}

// IsDirect reports whether playback and catalog requests for this provider bypass the
// handshake entirely. A provider is direct when it says so explicitly or when it has no
// device identifiers to authenticate with.
func (p Provider) IsDirect() bool {
	return p.Direct || len(p.Devices) == 0
}

// Credentials returns the provider's credentials in configured order. Direct providers
// yield a single credential with an empty device identifier.
func (p Provider) Credentials() []Credential {
	if p.IsDirect() {
		return []Credential{{Endpoint: p.Endpoint}}
	}
	creds := make([]Credential, 0, len(p.Devices))
	for _, d := range p.Devices {
		creds = append(creds, Credential{Endpoint: p.Endpoint, Device: d})
	}
	return creds
}

// HasDevice reports whether device belongs to the provider's pool.
func (p Provider) HasDevice(device string) bool {
	for _, d := range p.Devices {
		if d == device {
			return true
		}
	}
	return false
}

// APIURL returns the absolute URL of the portal API endpoint.
func (p Provider) APIURL() string {
	return strings.TrimRight(p.Endpoint, "/") + p.APIPath
}

// Credential is a (provider endpoint, device identifier) pair.
type Credential struct {
	Endpoint string
	Device   string
}

// Key returns a stable string form usable as a map key.
func (c Credential) Key() string {
	return c.Endpoint + "|" + c.Device
}

// IsZero reports whether c is the zero credential.
func (c Credential) IsZero() bool {
	return c.Endpoint == "" && c.Device == ""
}

func (c Credential) String() string {
	if c.Device == "" {
		return c.Endpoint + " (direct)"
	}
	return c.Endpoint + " [" + c.Device + "]"
}

// Session is an authenticated context for one credential. Sessions are replaced, never
// mutated, so a *Session handed out by the session manager is safe to read concurrently.
type Session struct {
	Credential Credential
	Token      string
	Headers    http.Header
	CreatedAt  time.Time
	TTL        time.Duration
}

// ValidAt reports whether the session is still usable at now.
func (s *Session) ValidAt(now time.Time) bool {
	return s != nil && now.Sub(s.CreatedAt) < s.TTL
}

// ExpiresAt is the first instant at which the session is no longer valid.
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.TTL)
}

// Channel is the canonical form of a portal channel record.
type Channel struct {
	ID      string `json:"id,omitempty"`
	Number  string `json:"number,omitempty"`
	Name    string `json:"name"`
	Command string `json:"cmd"`
	URL     string `json:"url"`
	Logo    string `json:"logo,omitempty"`
	Group   string `json:"group,omitempty"`
}

// CatalogEntry is the cached result of a successful channel listing.
type CatalogEntry struct {
	Credential Credential
	Channels   []Channel
	FetchedAt  time.Time
}

// FreshAt reports whether the entry may still be served at now.
func (e *CatalogEntry) FreshAt(now time.Time, ttl time.Duration) bool {
	return e != nil && now.Sub(e.FetchedAt) < ttl
}
