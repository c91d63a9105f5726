package handler

import (
	"net/http"
	"strings"
)

// ExtractIPFromForwardedHeader reads the client address out of a
// "Forwarded" header (RFC 7239), consulting only the first element of
// the header's first value — it does not walk the full proxy chain.
// This mirrors one of the two call sites in the original filter; the
// other (ExtractIPFromXForwardedFor) walks the whole chain. The
// divergence is preserved here rather than unified.
func ExtractIPFromForwardedHeader(header http.Header) string {
	v := header.Get("Forwarded")
	if v == "" {
		return ""
	}
	first := v
	if idx := strings.IndexByte(v, ','); idx >= 0 {
		first = v[:idx]
	}
	for _, part := range strings.Split(first, ";") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(k), "for") {
			continue
		}
		return strings.Trim(strings.TrimSpace(val), `"`)
	}
	return ""
}

// ExtractIPFromXForwardedFor reads the client address from
// "X-Forwarded-For", walking every comma-separated hop until it finds a
// non-empty entry. This is the second, chain-walking call site referred
// to in ExtractIPFromForwardedHeader's doc comment.
func ExtractIPFromXForwardedFor(header http.Header) string {
	v := header.Get("X-Forwarded-For")
	if v == "" {
		return ""
	}
	for _, hop := range strings.Split(v, ",") {
		hop = strings.TrimSpace(hop)
		if hop != "" {
			return hop
		}
	}
	return ""
}
