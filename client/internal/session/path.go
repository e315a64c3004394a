package session

import (
	"net/url"
	"strings"
)

// NormalizePath reduces a route or URL to its canonical permission path: the
// URL path only (query and fragment removed), no trailing slashes, a leading
// slash, and "/" for empty input.
func NormalizePath(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "://") || strings.HasPrefix(s, "//") {
		if u, err := url.Parse(s); err == nil {
			s = u.Path
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if s == "" {
		return "/"
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// parentPath drops the last segment of a normalized path. The parent of a
// top-level segment is "/".
func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
