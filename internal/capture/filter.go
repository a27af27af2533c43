package capture

import "strings"

// DefaultIgnoredTypes are resource types that never count toward idle detection.
var DefaultIgnoredTypes = []string{"image", "font", "media", "websocket"}

// Filter decides which traffic is relevant to idle detection.
type Filter struct {
	ignoredTypes  map[string]bool
	exceptionURLs []string
}

// NewFilter builds a filter from ignored resource types (case-insensitive)
// and URL substrings whose traffic is ignored.
func NewFilter(ignoredTypes, exceptionURLs []string) Filter {
	f := Filter{ignoredTypes: make(map[string]bool, len(ignoredTypes))}
	for _, t := range ignoredTypes {
		f.ignoredTypes[strings.ToLower(t)] = true
	}
	for _, u := range exceptionURLs {
		if u != "" {
			f.exceptionURLs = append(f.exceptionURLs, u)
		}
	}
	return f
}

// Qualifies reports whether traffic of the given type and URL counts.
func (f Filter) Qualifies(resourceType, url string) bool {
	if f.ignoredTypes[strings.ToLower(resourceType)] {
		return false
	}
	for _, u := range f.exceptionURLs {
		if strings.Contains(url, u) {
			return false
		}
	}
	return true
}
