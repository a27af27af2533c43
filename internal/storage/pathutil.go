package storage

import (
	"net/url"
	"strings"
)

// TransformURLToPathSegment turns a URL path into a filesystem-safe segment.
func TransformURLToPathSegment(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return "root", nil
	}
	path = strings.ReplaceAll(path, "/", "_")
	path = strings.ReplaceAll(path, "..", "_")
	return path, nil
}

// ShortTabID returns the first 8 characters of a tab id.
func ShortTabID(tabID string) string {
	if len(tabID) >= 8 {
		return tabID[:8]
	}
	return tabID
}
