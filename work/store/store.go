package store

import (
	"stalker-proxy/work/types"
)

// Store is the static credential store: providers keyed by endpoint, each with its
// ordered device pool. It is built once at startup and only read afterwards, so no
// locking is needed.
type Store struct {
	providers []types.Provider
	byURL     map[string]int
}

// New indexes providers by endpoint. Later duplicates of an endpoint are ignored.
func New(providers []types.Provider) *Store {
	s := &Store{byURL: make(map[string]int, len(providers))}
	for _, p := range providers {
		if _, dup := s.byURL[p.Endpoint]; dup {
			continue
		}
		s.byURL[p.Endpoint] = len(s.providers)
		s.providers = append(s.providers, p)
	}
	return s
}

// Provider looks up a provider by endpoint.
func (s *Store) Provider(endpoint string) (types.Provider, bool) {
	if s == nil {
		return types.Provider{}, false
	}
	idx, ok := s.byURL[endpoint]
	if !ok {
		return types.Provider{}, false
	}
	return s.providers[idx], true
}

// Providers returns all providers in configured order.
func (s *Store) Providers() []types.Provider {
	if s == nil {
		return nil
	}
	return append([]types.Provider(nil), s.providers...)
}

// Credentials returns the credentials of the provider at endpoint.
func (s *Store) Credentials(endpoint string) []types.Credential {
	p, ok := s.Provider(endpoint)
	if !ok {
		return nil
	}
	return p.Credentials()
}

// Len is the number of providers.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.providers)
}
