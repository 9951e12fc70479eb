package catalog

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

// transcodePrefix matches the player hint some portals put in front of a command.
var transcodePrefix = regexp.MustCompile(`(?i)^(?:ffmpeg|ffrt[23]?|auto)\s+`)

var streamSchemes = []string{"http://", "https://", "udp://", "rtp://"}

// ExtractStreamURL pulls the playable URL out of a portal command such as
// "ffrt http://host/live/1.ts|User-Agent=x". It returns false when the command holds no
// URL with a supported scheme.
func ExtractStreamURL(cmd string) (string, bool) {
	s := transcodePrefix.ReplaceAllString(strings.TrimSpace(cmd), "")
	s, _, _ = strings.Cut(s, "|")

	for _, field := range strings.Fields(s) {
		lower := strings.ToLower(field)
		for _, scheme := range streamSchemes {
			if strings.HasPrefix(lower, scheme) {
				return field, true
			}
		}
	}
	return "", false
}

// ResolveCommand is ExtractStreamURL that also accepts a bare path ("/ch/12") and resolves
// it against the provider endpoint.
func ResolveCommand(endpoint, cmd string) (string, bool) {
	if u, ok := ExtractStreamURL(cmd); ok {
		return u, true
	}
	s := transcodePrefix.ReplaceAllString(strings.TrimSpace(cmd), "")
	s, _, _ = strings.Cut(s, "|")
	fields := strings.Fields(s)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || strings.HasPrefix(fields[0], "//") {
		return "", false
	}
	return resolveAgainst(endpoint, fields[0])
}

// ResolveLogo returns logo as an absolute URL, resolving relative paths against the
// provider endpoint. Unusable values yield "".
func ResolveLogo(endpoint, logo string) string {
	logo = strings.TrimSpace(logo)
	if logo == "" {
		return ""
	}
	if u, err := url.Parse(logo); err == nil && u.IsAbs() {
		return logo
	}
	resolved, _ := resolveAgainst(endpoint, logo)
	return resolved
}

func resolveAgainst(endpoint, ref string) (string, bool) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/") + "/")
	if err != nil || base.Host == "" {
		return "", false
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(r).String(), true
}
