package portal

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errNoToken = errors.New("no token in handshake response")

// tokenPaths are the locations a handshake token has been seen at across portal
// builds, probed in order.
var tokenPaths = [][]string{
	{"token"},
	{"js", "token"},
	{"js", "data", "token"},
}

// ProbeToken extracts the session token from a handshake body. It fails only when none
// of the known locations holds a non-empty string.
func ProbeToken(body []byte) (string, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return "", fmt.Errorf("malformed handshake response: %w", err)
	}
	for _, path := range tokenPaths {
		if token, ok := lookupString(root, path); ok && token != "" {
			return token, nil
		}
	}
	return "", errNoToken
}

func lookupString(node map[string]any, path []string) (string, bool) {
	for i, key := range path {
		v, ok := node[key]
		if !ok {
			return "", false
		}
		if i == len(path)-1 {
			s, ok := v.(string)
			return s, ok
		}
		if node, ok = v.(map[string]any); !ok {
			return "", false
		}
	}
	return "", false
}

// envelope returns the `js` member of a portal response.
func envelope(body []byte) (json.RawMessage, error) {
	var env struct {
		JS json.RawMessage `json:"js"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed portal response: %w", err)
	}
	if len(env.JS) == 0 || string(env.JS) == "null" {
		return nil, errors.New("portal response has no js payload")
	}
	return env.JS, nil
}
