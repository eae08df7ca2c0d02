package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
)

// hopByHopHeaders must never be forwarded through a proxy regardless of
// the allowlist — they are connection-specific.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// HeaderFilter forwards only the incoming headers whose lowercased name
// matches one of the configured glob patterns. Patterns are compiled once
// at startup; per-request cost is a handful of glob matches.
type HeaderFilter struct {
	globs []glob.Glob
}

// NewHeaderFilter compiles the allowlist patterns. An empty pattern list
// means nothing is forwarded except what the relay sets itself.
func NewHeaderFilter(patterns []string) (*HeaderFilter, error) {
	f := &HeaderFilter{}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid header allowlist pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Copy writes the allowed headers from src into dst. Hop-by-hop headers,
// Host, and credentials (Authorization, X-Api-Key) are always skipped —
// the relay sets its own upstream credentials.
func (f *HeaderFilter) Copy(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		if strings.EqualFold(key, "Host") ||
			strings.EqualFold(key, "Authorization") ||
			strings.EqualFold(key, "X-Api-Key") {
			continue
		}
		if !f.allowed(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func (f *HeaderFilter) allowed(name string) bool {
	lower := strings.ToLower(name)
	for _, g := range f.globs {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

// copyResponseHeaders copies upstream response headers to the client,
// skipping hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
