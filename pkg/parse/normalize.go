package parse

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL for comparison and storage.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https),
// removes trailing slashes from paths (unless root "/"), ensures empty path becomes "/",
// and removes fragments and query strings. Path case and escaping are preserved.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = strings.TrimRight(normalized.Path, "/")
		normalized.RawPath = strings.TrimRight(normalized.RawPath, "/")
		if normalized.Path == "" {
			normalized.Path = "/"
		}
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = ""
	normalized.ForceQuery = false

	return normalized.String()
}

// ParseAndNormalize parses a URL string using the stricter url.ParseRequestURI (requiring a scheme) and then normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed), parsed, nil
}

// Identity returns the ledger key for a collection URL: its normalized form,
// or the raw string if it does not parse.
func Identity(rawURL string) string {
	normalized, _, err := ParseAndNormalize(rawURL)
	if err != nil {
		return rawURL
	}
	return normalized
}

// ChildURL builds the address of a sub-collection named name under parent.
// The name is escaped as a single path segment.
func ChildURL(parent, name string) string {
	return strings.TrimRight(parent, "/") + "/" + url.PathEscape(name)
}
