package httpapi

import (
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the caller address from proxy headers in priority order:
// CF-Connecting-IP, the leftmost X-Forwarded-For entry, X-Real-IP, then
// RemoteAddr. Headers that do not parse as an IP are skipped.
func ClientIP(r *http.Request) string {
	if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ap.Addr().Unmap().String()
}

// parseIP returns the canonical form of s, with IPv4-mapped IPv6
// addresses reported as IPv4.
func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
