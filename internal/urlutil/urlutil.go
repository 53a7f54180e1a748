// Package urlutil provides URL manipulation utilities.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// IsRemoteURL checks if a URL is a remote URL that can be fetched.
// Returns false for relative paths, empty strings, or local paths.
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "//")
}

// BaseOf returns the base URL of a playlist or manifest URL: everything up
// to and including the final slash of the path, with query stripped.
func BaseOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if idx := strings.LastIndex(rawURL, "/"); idx > 0 {
			return rawURL[:idx+1]
		}
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	if idx := strings.LastIndex(u.Path, "/"); idx >= 0 {
		u.Path = u.Path[:idx+1]
	}
	return u.String()
}

// Resolve resolves ref against base, returning an absolute URL.
// Already-absolute refs are returned unchanged.
func Resolve(base, ref string) (string, error) {
	if IsRemoteURL(ref) {
		return ref, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing reference URL: %w", err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// HasAnySuffix reports whether the URL path ends in one of the suffixes,
// ignoring any query string.
func HasAnySuffix(rawURL string, suffixes ...string) bool {
	path := rawURL
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
