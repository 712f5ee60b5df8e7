package playlist

import (
	"net/url"
	"regexp"
	"strings"
)

var doubleEncodedRe = regexp.MustCompile(`%25([0-9A-Fa-f]{2})`)

// Canonicalize collapses double-encoded percent sequences once, so a
// producer bug that emits %2520 for %20 round-trips to a fetchable URL.
// Already-single-encoded values are left alone.
func Canonicalize(rawURL string) string {
	return doubleEncodedRe.ReplaceAllString(rawURL, "%$1")
}

// IsByteRangeURL reports whether the URL addresses a byte range of a larger
// resource, either via a range query parameter or a /range/ path segment.
// Such URLs never enter the segment pipeline.
func IsByteRangeURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if strings.Contains(u.Path, "/range/") {
		return true
	}
	q := u.Query()
	for key := range q {
		if strings.EqualFold(key, "range") {
			return true
		}
	}
	return false
}

// ResolveURL resolves a possibly-relative playlist URI against its base URL.
func ResolveURL(baseURL, uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	if strings.HasPrefix(uri, "/") {
		base, err := url.Parse(baseURL)
		if err != nil {
			return uri
		}
		return base.Scheme + "://" + base.Host + uri
	}
	uri = strings.TrimPrefix(uri, "./")
	return baseDir(baseURL) + uri
}

// baseDir returns the base URL up to and including the final slash of its path.
func baseDir(baseURL string) string {
	schemeEnd := strings.Index(baseURL, "://")
	pathStart := 0
	if schemeEnd >= 0 {
		pathStart = schemeEnd + len("://")
	}
	lastSlash := strings.LastIndex(baseURL[pathStart:], "/")
	if lastSlash < 0 {
		return baseURL + "/"
	}
	return baseURL[:pathStart+lastSlash+1]
}
