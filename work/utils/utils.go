package utils

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// LogURL returns the URL as-is, or its obfuscated form when obfuscation is enabled.
func LogURL(obfuscate bool, rawURL string) string {
	if obfuscate {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment.
//
// Example:
//
//	Input:  "http://example.com/live/1.ts?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// MaskDevice hides the middle of a device identifier for logs, keeping enough of
// both ends to tell credentials apart.
func MaskDevice(device string) string {
	if len(device) <= 8 {
		return device
	}
	return device[:5] + strings.Repeat("*", len(device)-8) + device[len(device)-3:]
}

// SanitizeGroupName makes a group title safe for use as a URL path segment.
func SanitizeGroupName(name string) string {
	replacer := strings.NewReplacer(
		" ", "_", ",", "_", "\"", "", "'", "", "/", "_", "\\", "_",
		"?", "_", "&", "_", "=", "_", ":", "_", ";", "_", "|", "_",
		"*", "_", "<", "_", ">", "_",
	)
	sanitized := replacer.Replace(name)
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}

// ClientID identifies the viewer behind a request by its originating address. A
// forwarded-for header set by a trusted reverse proxy wins over the socket address.
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
