package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoCandidates is returned when credential selection has nothing left to try.
var ErrNoCandidates = errors.New("no eligible credentials")

// AuthError reports a failed handshake for one credential. Callers recover by moving on
// to the next credential.
type AuthError struct {
	Credential Credential
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed for %s: %s: %v", e.Credential, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failed for %s: %s", e.Credential, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamRejected reports a response in which the portal or media host refused the
// credential: 401/403, or a rate-limit signal (429, 458).
type UpstreamRejected struct {
	Credential Credential
	StatusCode int
	URL        string
}

func (e *UpstreamRejected) Error() string {
	return fmt.Sprintf("upstream rejected %s with HTTP %d", e.Credential, e.StatusCode)
}

// RateLimited reports whether the rejection asks the caller to back off.
func (e *UpstreamRejected) RateLimited() bool {
	return IsRateLimitStatus(e.StatusCode)
}

// Unauthorized reports whether the session behind the request is no longer accepted.
func (e *UpstreamRejected) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// UpstreamUnavailable reports a timeout, transport failure, unexpected status or a
// payload that could not be decoded.
type UpstreamUnavailable struct {
	Credential Credential
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamUnavailable) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s via %s: HTTP %d", e.Op, e.Credential, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s via %s: %v", e.Op, e.Credential, e.Err)
	default:
		return fmt.Sprintf("%s via %s: unavailable", e.Op, e.Credential)
	}
}

func (e *UpstreamUnavailable) Unwrap() error { return e.Err }

// ConfigurationError reports a missing or unusable credential mapping.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error (%s): %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ChannelFormatError reports a single channel record that matched no known shape.
type ChannelFormatError struct {
	Index  string
	Reason string
}

func (e *ChannelFormatError) Error() string {
	return fmt.Sprintf("channel record %s: %s", e.Index, e.Reason)
}

// StreamError is returned by the relay once every candidate credential has failed.
type StreamError struct {
	Provider string
	Attempts int
	Last     error
}

func (e *StreamError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all credentials failed for %s after %d attempts: %v", e.Provider, e.Attempts, e.Last)
	}
	return fmt.Sprintf("all credentials failed for %s after %d attempts", e.Provider, e.Attempts)
}

func (e *StreamError) Unwrap() error { return e.Last }

// IsRateLimitStatus reports whether an HTTP status is a throttling signal. 458 is used
// by several portal builds for "too many concurrent sessions".
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == 458
}

// ClassifyStatus turns a non-2xx status into the matching error type.
func ClassifyStatus(cred Credential, op, url string, code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, IsRateLimitStatus(code):
		return &UpstreamRejected{Credential: cred, StatusCode: code, URL: url}
	default:
		return &UpstreamUnavailable{Credential: cred, Op: op, StatusCode: code}
	}
}
