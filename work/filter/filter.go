package filter

import (
	"strings"
	"sync"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"

	"github.com/grafana/regexp"
)

// CompiledFilter holds the compiled include/exclude patterns of one provider.
type CompiledFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// FilterManager caches compiled filters per provider endpoint.
type FilterManager struct {
	filters map[string]*CompiledFilter
	mu      sync.RWMutex
}

// NewFilterManager creates a new filter manager
func NewFilterManager() *FilterManager {
	return &FilterManager{
		filters: make(map[string]*CompiledFilter),
	}
}

// GetOrCreateFilter returns the compiled filter for p. An invalid pattern is logged and
// treated as absent.
func (fm *FilterManager) GetOrCreateFilter(p types.Provider) *CompiledFilter {
	fm.mu.RLock()
	filter, exists := fm.filters[p.Endpoint]
	fm.mu.RUnlock()
	if exists {
		return filter
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if filter, exists := fm.filters[p.Endpoint]; exists {
		return filter
	}

	filter = &CompiledFilter{
		Include: compile(p.Name, "include", p.IncludeRegex),
		Exclude: compile(p.Name, "exclude", p.ExcludeRegex),
	}
	fm.filters[p.Endpoint] = filter
	return filter
}

func compile(provider, kind, pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		logger.Error("{filter/filter - compile} Failed to compile %s regex '%s' for %s: %v", kind, pattern, provider, err)
		return nil
	}
	logger.Debug("{filter/filter - compile} Compiled %s regex '%s' for %s", kind, pattern, provider)
	return compiled
}

// ClearFilters clears all compiled filters
func (fm *FilterManager) ClearFilters() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.filters = make(map[string]*CompiledFilter)
}

// FilterChannels applies the provider's include/exclude patterns to channel names
// (lower-cased) and group titles. Channels pass when they match the include pattern, if
// any, and do not match the exclude pattern.
func (fm *FilterManager) FilterChannels(p types.Provider, channels []types.Channel) []types.Channel {
	if p.IncludeRegex == "" && p.ExcludeRegex == "" {
		return channels
	}

	filter := fm.GetOrCreateFilter(p)
	filtered := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if filter.Allows(ch) {
			filtered = append(filtered, ch)
		}
	}
	logger.Debug("{filter/filter - FilterChannels} Filtered %d -> %d channels for %s", len(channels), len(filtered), p.Name)
	return filtered
}

// Allows reports whether ch survives the filter.
func (f *CompiledFilter) Allows(ch types.Channel) bool {
	name := strings.TrimSpace(strings.ToLower(ch.Name))
	group := strings.ToLower(ch.Group)

	if f.Include != nil && !f.Include.MatchString(name) && !f.Include.MatchString(group) {
		return false
	}
	if f.Exclude != nil && (f.Exclude.MatchString(name) || f.Exclude.MatchString(group)) {
		return false
	}
	return true
}
