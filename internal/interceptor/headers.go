package interceptor

import (
	"net/http"
	"strings"
)

// hopByHopHeaders apply to a single transport-level connection and must
// never be forwarded by a proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
}

// strippedHeaders are regenerated by the impersonation profile, so
// forwarding the client's own values would break the fingerprint they
// are meant to produce.
var strippedHeaders = map[string]struct{}{
	"User-Agent":      {},
	"Accept":          {},
	"Accept-Encoding": {},
	"Accept-Language": {},
	"Host":            {},
}

// copyFilteredHeaders copies src into dst, skipping strippedHeaders and
// any header whose name begins with "sec-" (case-insensitive) — those
// are either regenerated by the profile or only meaningful on the
// client-facing leg.
func copyFilteredHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, ok := strippedHeaders[k]; ok {
			continue
		}
		if strings.HasPrefix(strings.ToLower(k), "sec-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// mapMethod folds a method outside the narrow outbound enum to GET, per
// the spec's documented simplification (OPTIONS, HEAD, TRACE, custom
// verbs fold; GET/POST/PUT/PATCH/DELETE pass through unchanged).
func mapMethod(m string) string {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return m
	default:
		return http.MethodGet
	}
}

// stripPort removes a trailing ":port" from a host[:port] string.
func stripPort(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 {
		return hostport[:i]
	}
	return hostport
}
