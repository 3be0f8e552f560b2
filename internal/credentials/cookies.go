package credentials

import (
	"net/http"
	"sort"
	"strings"
)

// DefaultUserAgent is sent by generators when none is configured.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// browserHeaders are sent with every generator request.
var browserHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7",
	"Cache-Control":   "no-cache",
}

// HeaderValue renders cookies as a Cookie header, sorted by name so that the
// same jar always yields the same string.
func HeaderValue(cookies []*http.Cookie) string {
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "; ")
}

// ApplyBrowserHeaders sets the browser-like headers and user agent on h.
func ApplyBrowserHeaders(h http.Header, userAgent string) {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	for k, v := range browserHeaders {
		h.Set(k, v)
	}
	h.Set("User-Agent", userAgent)
}
