package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://example.com/live/1.ts?token=abc", "http://example.com/***?***"},
		{"http://example.com/", "http://example.com"},
		{"https://example.com:8443/c#top", "https://example.com:8443/***#***"},
		{"not a url", "***OBFUSCATED***"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ObfuscateURL(tt.in), tt.in)
	}
	assert.Equal(t, "http://example.com/a", LogURL(false, "http://example.com/a"))
}

func TestMaskDevice(t *testing.T) {
	assert.Equal(t, "00:1A*********:01", MaskDevice("00:1A:79:00:00:01"))
	assert.Equal(t, "short", MaskDevice("short"))
}

func TestSanitizeGroupName(t *testing.T) {
	assert.Equal(t, "News_Sports", SanitizeGroupName("News / Sports"))
	assert.Equal(t, "Kids", SanitizeGroupName("  Kids?"))
	assert.Equal(t, "UK_Entertainment", SanitizeGroupName("UK: Entertainment"))
}

func TestClientID(t *testing.T) {
	r := httptest.NewRequest("GET", "/s/x", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", ClientID(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientID(r))
}
