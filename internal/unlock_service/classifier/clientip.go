package classifier

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ExtractClientIP resolves the true client IP from an inbound request.
//
// Precedence is fixed: the provider-specific connecting-IP header first, then
// the first hop of X-Forwarded-For, then X-Real-IP, then the transport peer
// address. The CDN/tunnel in front of the service rewrites the standard
// headers, so the header injected closest to the origin must win; reordering
// this silently misclassifies mobile visitors as Wi-Fi.
func ExtractClientIP(r *http.Request, connectingIPHeader string) netip.Addr {
	if connectingIPHeader != "" {
		if addr, ok := parseAddr(r.Header.Get(connectingIPHeader)); ok {
			return addr
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, ok := parseAddr(first); ok {
			return addr
		}
	}

	if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return addr
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if addr, ok := parseAddr(host); ok {
		return addr
	}
	return netip.Addr{}
}

func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
