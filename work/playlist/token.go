package playlist

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrBadToken is returned for playback tokens that fail to decode or verify.
var ErrBadToken = errors.New("invalid playback token")

// Token is what a playlist entry carries to the playback route: enough to find the
// channel again without server-side state.
type Token struct {
	Provider string `json:"p"`           // provider endpoint
	Command  string `json:"c"`           // raw portal command
	Device   string `json:"d,omitempty"` // device that listed the channel, a hint only
}

// Signer encodes and verifies playback tokens with a keyed BLAKE2b-256 MAC.
type Signer struct {
	key []byte
}

// NewSigner derives the MAC key from secret. An empty secret yields a random key, so
// tokens only stay valid for the lifetime of the process.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return &Signer{key: key}, nil
	}
	sum := blake2b.Sum256([]byte(secret))
	return &Signer{key: sum[:]}, nil
}

func (s *Signer) mac(payload []byte) []byte {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// the key is always 32 bytes
		panic(err)
	}
	h.Write(payload)
	return h.Sum(nil)
}

// Encode returns the URL-safe form of t.
func (s *Signer) Encode(t Token) (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(s.mac(payload)), nil
}

// Decode verifies and decodes a token produced by Encode.
func (s *Signer) Decode(raw string) (Token, error) {
	enc := base64.RawURLEncoding
	payloadPart, macPart, ok := strings.Cut(raw, ".")
	if !ok {
		return Token{}, ErrBadToken
	}
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return Token{}, ErrBadToken
	}
	sig, err := enc.DecodeString(macPart)
	if err != nil || subtle.ConstantTimeCompare(sig, s.mac(payload)) != 1 {
		return Token{}, ErrBadToken
	}

	var t Token
	if err := json.Unmarshal(payload, &t); err != nil || t.Provider == "" || t.Command == "" {
		return Token{}, ErrBadToken
	}
	return t, nil
}
