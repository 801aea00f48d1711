// Package urlutil normalizes site URLs so that trivially different spellings
// of the same page are tracked once.
package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned for anything that is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("url must be an absolute http or https url")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Canonicalize returns the canonical form of rawURL:
//   - scheme and host are lowercased
//   - the scheme's default port is dropped
//   - the fragment is removed
//   - a trailing slash is trimmed unless the path is the root
//
// The query string is kept as is since it usually selects different content.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if _, ok := defaultPorts[u.Scheme]; !ok || u.Host == "" || u.Opaque != "" {
		return "", ErrInvalidURL
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials are not allowed", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrInvalidURL
	}
	if port := u.Port(); port != "" && port != defaultPorts[u.Scheme] {
		host = joinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""

	// Trim on the escaped form so an encoded slash (%2F) is neither dropped
	// nor decoded into a path separator.
	if escaped := u.EscapedPath(); len(escaped) > 1 && strings.HasSuffix(escaped, "/") {
		escaped = strings.TrimRight(escaped, "/")
		if escaped == "" {
			escaped = "/"
		}
		path, err := url.PathUnescape(escaped)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
		}
		u.Path, u.RawPath = path, escaped
	}

	return u.String(), nil
}

func joinHostPort(host, port string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]:" + port
	}
	return host + ":" + port
}
